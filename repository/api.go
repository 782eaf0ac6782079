package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/newsroom-sync/docsync/protocol"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// the request/response repository service
// (fetch and status operations, socket tokens, metrics)
type Api struct {
	apiUrl string
	client *http.Client

	stateLock sync.Mutex
	token     string

	tokenGroup singleflight.Group
}

func NewApi(apiUrl string) *Api {
	return &Api{
		apiUrl: strings.TrimSuffix(apiUrl, "/"),
		client: defaultClient(),
	}
}

// this gets attached to api calls that need it
func (self *Api) SetToken(token string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.token = token
}

func (self *Api) Token() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.token
}

type SocketTokenResult struct {
	Token string `json:"token"`
}

// a short-lived token for opening the repository socket
// concurrent callers share one request
func (self *Api) SocketToken(ctx context.Context) (string, error) {
	v, err, _ := self.tokenGroup.Do("socket-token", func() (any, error) {
		result, err := post(
			ctx,
			self.client,
			fmt.Sprintf("%s/twirp/elephant.repository.Documents/GetSocketToken", self.apiUrl),
			map[string]any{},
			self.Token(),
			&SocketTokenResult{},
		)
		if err != nil {
			return "", err
		}
		if result.Token == "" {
			return "", errors.New("Empty socket token.")
		}
		return result.Token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

type DocumentRef struct {
	Uuid    string `json:"uuid"`
	Version int64  `json:"version,omitempty"`
}

type BulkGetArgs struct {
	Documents []*DocumentRef `json:"documents"`
}

type BulkGetResult struct {
	Items []*protocol.DocumentState `json:"items"`
}

// fetches documents by uuid and version (latest when version is 0)
func (self *Api) BulkGet(ctx context.Context, refs []*DocumentRef) ([]*protocol.DocumentState, error) {
	if len(refs) == 0 {
		return []*protocol.DocumentState{}, nil
	}
	result, err := post(
		ctx,
		self.client,
		fmt.Sprintf("%s/twirp/elephant.repository.Documents/BulkGet", self.apiUrl),
		&BulkGetArgs{
			Documents: refs,
		},
		self.Token(),
		&BulkGetResult{},
	)
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

type MetricsArgs struct {
	Uuids []string `json:"uuids"`
	Kinds []string `json:"kinds"`
}

type MetricsResult struct {
	Documents map[string][]*protocol.Metric `json:"documents"`
}

// metrics by document uuid, e.g. character counts
func (self *Api) Metrics(ctx context.Context, uuids []string, kinds []string) (map[string][]*protocol.Metric, error) {
	if len(uuids) == 0 {
		return map[string][]*protocol.Metric{}, nil
	}
	result, err := post(
		ctx,
		self.client,
		fmt.Sprintf("%s/twirp/elephant.repository.Metrics/GetMetrics", self.apiUrl),
		&MetricsArgs{
			Uuids: uuids,
			Kinds: kinds,
		},
		self.Token(),
		&MetricsResult{},
	)
	if err != nil {
		return nil, err
	}
	if result.Documents == nil {
		return map[string][]*protocol.Metric{}, nil
	}
	return result.Documents, nil
}

type Status struct {
	Name    string `json:"name"`
	Version int64  `json:"version"`
	Creator string `json:"creator,omitempty"`
	Created string `json:"created,omitempty"`
}

type StatusResult struct {
	Uuid     string             `json:"uuid"`
	Statuses map[string]*Status `json:"statuses"`
}

func (self *Api) Status(ctx context.Context, uuid string) (*StatusResult, error) {
	return get(
		ctx,
		self.client,
		fmt.Sprintf("%s/documents/%s/status", self.apiUrl, url.PathEscape(uuid)),
		self.Token(),
		&StatusResult{},
	)
}

func post[R any](ctx context.Context, client *http.Client, url string, args any, token string, result R) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	return do(client, req, token, result)
}

func get[R any](ctx context.Context, client *http.Client, url string, token string, result R) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		return empty, err
	}

	return do(client, req, token, result)
}

func do[R any](client *http.Client, req *http.Request, token string, result R) (R, error) {
	if token != "" {
		auth := fmt.Sprintf("Bearer %s", token)
		req.Header.Add("Authorization", auth)
	}

	r, err := client.Do(req)
	if err != nil {
		var empty R
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		var empty R
		return empty, fmt.Errorf("%s %s: %d %s", req.Method, req.URL.Path, r.StatusCode, errorMessage)
	}

	if err != nil {
		var empty R
		return empty, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		return empty, err
	}

	return result, nil
}
