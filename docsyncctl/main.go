package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/newsroom-sync/docsync/collab"
	"github.com/newsroom-sync/docsync/connect"
	"github.com/newsroom-sync/docsync/decorator"
	"github.com/newsroom-sync/docsync/docpath"
	"github.com/newsroom-sync/docsync/protocol"
	"github.com/newsroom-sync/docsync/repository"
	"github.com/newsroom-sync/docsync/ydoc"
)

const LocalVersion = "0.0.0-local"

const TokenEnv = "DOCSYNC_TOKEN"

func main() {
	usage := fmt.Sprintf(
		`Newsroom document sync.

The default urls are:
    api_url: %s
    socket_url: %s
    collab_url: %s

The credential is read from --token, --token_file, $%s or the terminal.

Usage:
    docsyncctl watch <type> [--config=<config>] [--token=<token> | --token_file=<token_file>]
        [--label=<label>...]
        [--from=<from> --to=<to>]
    docsyncctl get <uuid>... [--config=<config>] [--token=<token> | --token_file=<token_file>]
    docsyncctl status <uuid> [--config=<config>] [--token=<token> | --token_file=<token_file>]
    docsyncctl show <document_id> [<path>] [--config=<config>] [--token=<token> | --token_file=<token_file>]
    docsyncctl edit <document_id> <path> <value> [--config=<config>] [--token=<token> | --token_file=<token_file>]
        [--persistent]
    docsyncctl local [--config=<config>]
    docsyncctl token-info [--token=<token> | --token_file=<token_file>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --config=<config>            YAML config file.
    --token=<token>              Session credential.
    --token_file=<token_file>    File with the session credential. Re-read on refresh.
    --label=<label>              Only documents with this label.
    --from=<from>                Timespan start (ISO-8601).
    --to=<to>                    Timespan end (ISO-8601).
    --persistent                 Keep local data after the edit.`,
		DefaultApiUrl,
		DefaultSocketUrl,
		DefaultCollabUrl,
		TokenEnv,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LocalVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if get_, _ := opts.Bool("get"); get_ {
		get(opts)
	} else if status_, _ := opts.Bool("status"); status_ {
		status(opts)
	} else if show_, _ := opts.Bool("show"); show_ {
		show(opts)
	} else if edit_, _ := opts.Bool("edit"); edit_ {
		edit(opts)
	} else if local_, _ := opts.Bool("local"); local_ {
		local(opts)
	} else if tokenInfo_, _ := opts.Bool("token-info"); tokenInfo_ {
		tokenInfo(opts)
	}
}

// cancelled on interrupt
func signalCtx() (context.Context, context.CancelFunc) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(c)
		select {
		case <-c:
			cancel()
		case <-cancelCtx.Done():
		}
	}()
	return cancelCtx, cancel
}

func requireConfig(opts docopt.Opts) *Config {
	configPath, _ := opts.String("--config")
	config, err := LoadConfig(configPath)
	if err != nil {
		panic(err)
	}
	return config
}

func tokenFileProvider(tokenFile string) collab.CredentialProvider {
	return collab.CredentialProviderFunction(func(ctx context.Context) (string, error) {
		b, err := os.ReadFile(tokenFile)
		if err != nil {
			return "", err
		}
		token := strings.TrimSpace(string(b))
		if token == "" {
			return "", errors.New("Empty token file.")
		}
		return token, nil
	})
}

func requireToken(ctx context.Context, opts docopt.Opts) string {
	if token, err := opts.String("--token"); err == nil && token != "" {
		return token
	}
	if tokenFile, err := opts.String("--token_file"); err == nil && tokenFile != "" {
		token, err := tokenFileProvider(tokenFile).Credential(ctx)
		if err != nil {
			panic(err)
		}
		return token
	}
	if token := os.Getenv(TokenEnv); token != "" {
		return token
	}

	fmt.Print("Enter token: ")
	tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return strings.TrimSpace(string(tokenBytes))
}

// refreshes from the token file when one is given
func startTokenRefresher(ctx context.Context, opts docopt.Opts, config *Config, token string, tokenCallbacks ...collab.TokenFunction) {
	tokenFile, err := opts.String("--token_file")
	if err != nil || tokenFile == "" {
		return
	}
	settings := collab.DefaultTokenRefresherSettings()
	settings.RefreshBefore = config.RefreshBefore
	refresher := collab.NewTokenRefresher(ctx, tokenFileProvider(tokenFile), settings)
	for _, tokenCallback := range tokenCallbacks {
		refresher.AddTokenCallback(tokenCallback)
	}
	go refresher.Run(token)
}

func startMetrics(ctx context.Context, config *Config, statusHandler http.HandlerFunc) {
	if config.MetricsAddr == "" {
		return
	}
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	if statusHandler != nil {
		router.HandleFunc("/status", statusHandler)
	}
	server := &http.Server{
		Addr:    config.MetricsAddr,
		Handler: router,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("metrics error: %s\n", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()
}

func printJson(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s\n", b)
}

// live document set
func watch(opts docopt.Opts) {
	config := requireConfig(opts)
	documentType, _ := opts.String("<type>")

	ctx, cancel := signalCtx()
	defer cancel()

	token := requireToken(ctx, opts)

	api := repository.NewApi(config.ApiUrl)
	api.SetToken(token)

	socketSettings := repository.DefaultSocketSettings()
	socketSettings.ReconnectTimeout = config.ReconnectTimeout
	socketSettings.IncludeRel = config.IncludeRel
	socket := repository.NewSocket(ctx, config.SocketUrl, api, socketSettings)
	defer socket.Close()

	socket.AddStateCallback(func(state repository.SocketState) {
		fmt.Printf("socket: %s\n", state)
	})

	startMetrics(ctx, config, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": LocalVersion,
			"socket":  socket.State().String(),
		})
	})

	if err := socket.Connect(ctx, token); err != nil {
		fmt.Printf("Connect error (%s).\n", err)
		return
	}

	startTokenRefresher(ctx, opts, config, token, func(token string) {
		api.SetToken(token)
		socket.SetCredential(token)
	})

	decorators := []decorator.Decorator{}
	if 0 < len(config.MetricKinds) {
		decorators = append(decorators, decorator.NewMetricsDecorator(api, config.MetricKinds...))
	}
	if config.StatusDecorator {
		decorators = append(decorators, decorator.NewStatusDecorator())
	}

	request := &repository.GetDocumentsRequest{
		Type: documentType,
	}
	if labels, ok := opts["--label"].([]string); ok {
		request.Labels = labels
	}
	if from, err := opts.String("--from"); err == nil && from != "" {
		to, _ := opts.String("--to")
		request.Timespan = &protocol.Timespan{
			From: from,
			To:   to,
		}
	}

	documentSetSettings := repository.DefaultDocumentSetSettings()
	documentSetSettings.Scheduler = &decorator.SchedulerSettings{
		Debounce: config.Debounce,
	}
	documentSet := repository.NewDocumentSet(
		ctx,
		socket,
		request,
		decorator.NewPipelineWithDefaults(decorators...),
		documentSetSettings,
	)
	defer documentSet.Close()

	documentSet.AddChangeCallback(func(documents []*protocol.DocumentState) {
		fmt.Printf("%s: %d documents\n", documentSet.SetName(), len(documents))
		for _, document := range documents {
			printDocumentLine(document)
		}
	})

	if err := documentSet.Open(ctx); err != nil {
		fmt.Printf("Open error (%s).\n", err)
		return
	}

	<-ctx.Done()
}

func printDocumentLine(document *protocol.DocumentState) {
	var version int64
	var workflowState string
	if document.Meta != nil {
		version = document.Meta.Version
		workflowState = document.Meta.WorkflowState
	}
	decorators := ""
	if 0 < len(document.Decorators) {
		if b, err := json.Marshal(document.Decorators); err == nil {
			decorators = string(b)
		}
	}
	fmt.Printf(
		"    %s v%d %s \"%s\" included=%d %s\n",
		document.Uuid(),
		version,
		workflowState,
		document.Document.Title,
		len(document.IncludedDocuments),
		decorators,
	)
}

func get(opts docopt.Opts) {
	config := requireConfig(opts)
	uuids, _ := opts["<uuid>"].([]string)

	ctx, cancel := signalCtx()
	defer cancel()

	api := repository.NewApi(config.ApiUrl)
	api.SetToken(requireToken(ctx, opts))

	refs := []*repository.DocumentRef{}
	for _, uuid := range uuids {
		refs = append(refs, &repository.DocumentRef{
			Uuid: uuid,
		})
	}
	documents, err := connect.TraceWithReturnError("bulk get", func() ([]*protocol.DocumentState, error) {
		return api.BulkGet(ctx, refs)
	})
	if err != nil {
		fmt.Printf("Get error (%s).\n", err)
		return
	}
	printJson(documents)
}

func status(opts docopt.Opts) {
	config := requireConfig(opts)
	uuid, _ := opts.String("<uuid>")

	ctx, cancel := signalCtx()
	defer cancel()

	api := repository.NewApi(config.ApiUrl)
	api.SetToken(requireToken(ctx, opts))

	result, err := connect.TraceWithReturnError("status", func() (*repository.StatusResult, error) {
		return api.Status(ctx, uuid)
	})
	if err != nil {
		fmt.Printf("Status error (%s).\n", err)
		return
	}
	printJson(result)
}

// runs `do` with a connected, remote synced collaboration client
func withCollabClient(opts docopt.Opts, persistent bool, do func(ctx context.Context, client *collab.Client)) {
	config := requireConfig(opts)
	documentId, _ := opts.String("<document_id>")

	ctx, cancel := signalCtx()
	defer cancel()

	token := requireToken(ctx, opts)

	storeSettings := collab.DefaultBoltStoreSettings()
	store, err := collab.OpenBoltStore(config.DataPath, storeSettings)
	if err != nil {
		fmt.Printf("Local store error (%s).\n", err)
		return
	}
	defer store.Close()

	remoteSettings := collab.DefaultRemoteSessionSettings()
	remoteSettings.ReconnectTimeout = config.ReconnectTimeout

	registrySettings := collab.DefaultRegistrySettings()
	registrySettings.CleanupDelay = config.CleanupDelay
	registrySettings.LocalSyncTimeout = config.LocalSyncTimeout
	registry := collab.NewRegistry(
		ctx,
		store,
		collab.NewRemoteGenerator(config.CollabUrl, remoteSettings),
		token,
		registrySettings,
	)
	defer registry.Close()

	startTokenRefresher(ctx, opts, config, token, registry.UpdateAccessToken)
	startMetrics(ctx, config, nil)

	client, err := registry.Get(ctx, documentId, collab.GetOptions{
		Persistent: persistent,
	})
	if err != nil {
		fmt.Printf("Connect error (%s).\n", err)
		return
	}
	defer registry.Release(documentId)

	synced := make(chan struct{})
	unsubscribe := client.AddStatusCallback(func(status collab.ClientStatus) {
		if status.RemoteSynced {
			select {
			case <-synced:
			default:
				close(synced)
			}
		}
	})
	defer unsubscribe()

	select {
	case <-ctx.Done():
		return
	case <-synced:
	case <-time.After(30 * time.Second):
		fmt.Printf("Not synced with the collaboration server (timeout). Using local data.\n")
	}

	do(ctx, client)
}

func show(opts docopt.Opts) {
	pathStr, _ := opts.String("<path>")
	path, err := docpath.Parse(pathStr)
	if err != nil {
		fmt.Printf("%s\n", err)
		return
	}

	withCollabClient(opts, true, func(ctx context.Context, client *collab.Client) {
		value, ok := docpath.GetValue(client.Doc().GetMap(collab.ContentMapName), path)
		if !ok {
			fmt.Printf("Not found: %s\n", path)
			return
		}
		printJson(value)
	})
}

func edit(opts docopt.Opts) {
	pathStr, _ := opts.String("<path>")
	valueStr, _ := opts.String("<value>")
	persistent, _ := opts.Bool("--persistent")

	path, err := docpath.Parse(pathStr)
	if err != nil {
		fmt.Printf("%s\n", err)
		return
	}
	// json values are written as is, anything else as a string
	var value any
	if err := json.Unmarshal([]byte(valueStr), &value); err != nil {
		value = valueStr
	}

	withCollabClient(opts, persistent, func(ctx context.Context, client *collab.Client) {
		var setErr error
		connect.Trace(fmt.Sprintf("edit %s", path), func() {
			client.Transact(func(tx *ydoc.Transaction, content *ydoc.Map) {
				setErr = docpath.SetTx(tx, content, path, value)
			})
		})
		if setErr != nil {
			fmt.Printf("Edit error (%s).\n", setErr)
			return
		}

		end := time.Now().Add(30 * time.Second)
		for 0 < client.UnsyncedChanges() {
			if end.Before(time.Now()) {
				fmt.Printf("Edit kept locally (%d changes not synced).\n", client.UnsyncedChanges())
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
		fmt.Printf("Edit synced.\n")
	})
}

func local(opts docopt.Opts) {
	config := requireConfig(opts)

	store, err := collab.OpenBoltStoreWithDefaults(config.DataPath)
	if err != nil {
		fmt.Printf("Local store error (%s).\n", err)
		return
	}
	defer store.Close()

	names, err := store.Names()
	if err != nil {
		fmt.Printf("Local store error (%s).\n", err)
		return
	}
	for _, name := range names {
		fmt.Printf("%s\n", name)
	}
}

func tokenInfo(opts docopt.Opts) {
	ctx, cancel := signalCtx()
	defer cancel()

	credential, err := connect.ParseCredentialUnverified(requireToken(ctx, opts))
	if err != nil {
		fmt.Printf("Invalid token (%s).\n", err)
		return
	}
	fmt.Printf("subject: %s\n", credential.Subject)
	if credential.Name != "" {
		fmt.Printf("name: %s\n", credential.Name)
	}
	if credential.Scope != "" {
		fmt.Printf("scope: %s\n", credential.Scope)
	}
	if 0 < len(credential.Units) {
		fmt.Printf("units: %s\n", strings.Join(credential.Units, ", "))
	}
	if expiresIn, err := credential.ExpiresIn(); err == nil {
		fmt.Printf("expires: %s (in %s)\n", credential.ExpiresAt.Format(time.RFC3339), expiresIn.Round(time.Second))
	} else {
		fmt.Printf("expires: never\n")
	}
}
