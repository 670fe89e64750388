// Package ingest talks to the catalog ingest system over its JSON REST
// interface. The coordinator uses it to register the output database
// before a run and to publish it afterwards; workers use it to push
// partitioned chunk files inside ingest transactions.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/getpup/pupsourcing/es"

	"github.com/skygen/chunkdist"
)

// DefaultRequestTimeout bounds a single REST request.
const DefaultRequestTimeout = 5 * time.Minute

// Config configures an ingest client.
type Config struct {
	// Host is the ingest server host (required).
	Host string

	// Port is the ingest server port (required).
	Port int

	// AuthKey authorizes mutating requests (optional).
	AuthKey string

	// HTTPClient overrides the default http client (optional).
	HTTPClient *http.Client

	// Logger is for observability (optional).
	Logger es.Logger
}

// Client is a thin wrapper around the ingest system's REST interface.
type Client struct {
	baseURL string
	authKey string
	http    *http.Client
	logger  es.Logger
}

// New creates an ingest client from config.
func New(config Config) (*Client, error) {
	if config.Host == "" || config.Port == 0 {
		return nil, fmt.Errorf("ingest host and port are required")
	}
	hc := config.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: DefaultRequestTimeout}
	}
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d/", config.Host, config.Port),
		authKey: config.AuthKey,
		http:    hc,
		logger:  config.Logger,
	}, nil
}

// FromRunConfig builds a client from the coordinator-supplied ingest
// settings. Returns nil when ingest is disabled for the run.
func FromRunConfig(ic chunkdist.IngestConfig, logger es.Logger) (*Client, error) {
	if ic.Skip || ic.Host == "" {
		return nil, nil
	}
	return New(Config{
		Host:    ic.Host,
		Port:    ic.Port,
		AuthKey: ic.AuthKey,
		Logger:  logger,
	})
}

// reply is the envelope every ingest response uses.
type reply struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Version string          `json:"version"`
	Raw     json.RawMessage `json:"-"`
}

// Alive checks that the ingest system answers its version endpoint.
func (c *Client) Alive(ctx context.Context) error {
	var r reply
	if err := c.request(ctx, http.MethodGet, "meta/version", nil, &r); err != nil {
		return err
	}
	c.logDebug(ctx, "ingest system alive", "version", r.Version)
	return nil
}

// RegisterDatabase sends a database description, read from the given
// JSON file, to the ingest system.
func (c *Client) RegisterDatabase(ctx context.Context, descPath string) error {
	return c.postJSONFile(ctx, "ingest/database", descPath)
}

// RegisterTable sends a table schema, read from the given JSON file,
// to the ingest system.
func (c *Client) RegisterTable(ctx context.Context, schemaPath string) error {
	return c.postJSONFile(ctx, "ingest/table", schemaPath)
}

func (c *Client) postJSONFile(ctx context.Context, cmd, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("%s is not valid json: %w", path, err)
	}
	body["auth_key"] = c.authKey
	return c.request(ctx, http.MethodPost, cmd, body, nil)
}

// transReply carries the transaction id assigned by the ingest system.
type transReply struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Databases map[string]struct {
		Transactions []struct {
			ID int `json:"id"`
		} `json:"transactions"`
	} `json:"databases"`
}

// StartTransaction opens an ingest super transaction for the database
// and returns its id.
func (c *Client) StartTransaction(ctx context.Context, database string) (int, error) {
	body := map[string]any{"database": database, "auth_key": c.authKey}
	req, err := c.newRequest(ctx, http.MethodPost, "ingest/trans", body)
	if err != nil {
		return 0, err
	}
	var r transReply
	if err := c.do(req, &r); err != nil {
		return 0, fmt.Errorf("failed to start transaction for %s: %w", database, err)
	}
	db, ok := r.Databases[database]
	if !ok || len(db.Transactions) == 0 {
		return 0, fmt.Errorf("ingest reply for %s carried no transaction id", database)
	}
	id := db.Transactions[0].ID
	c.logDebug(ctx, "ingest transaction started", "database", database, "transaction", id)
	return id, nil
}

// EndTransaction closes an ingest transaction. Abort rolls it back.
func (c *Client) EndTransaction(ctx context.Context, transactionID int, abort bool) error {
	flag := 0
	if abort {
		flag = 1
	}
	cmd := fmt.Sprintf("ingest/trans/%d?abort=%d", transactionID, flag)
	body := map[string]any{"auth_key": c.authKey}
	if err := c.request(ctx, http.MethodPut, cmd, body, nil); err != nil {
		return fmt.Errorf("failed to end transaction %d (abort=%v): %w", transactionID, abort, err)
	}
	return nil
}

// locationReply carries the ingest worker address for a chunk.
type locationReply struct {
	Success  bool   `json:"success"`
	Error    string `json:"error"`
	Location struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"location"`
}

// ChunkLocation asks which ingest worker should receive a chunk's files.
func (c *Client) ChunkLocation(ctx context.Context, transactionID, chunkID int) (string, int, error) {
	body := map[string]any{
		"transaction_id": transactionID,
		"chunk":          chunkID,
		"auth_key":       c.authKey,
	}
	req, err := c.newRequest(ctx, http.MethodPost, "ingest/chunk", body)
	if err != nil {
		return "", 0, err
	}
	var r locationReply
	if err := c.do(req, &r); err != nil {
		return "", 0, fmt.Errorf("failed to locate worker for chunk %d: %w", chunkID, err)
	}
	if r.Location.Host == "" {
		return "", 0, fmt.Errorf("ingest reply for chunk %d carried no worker address", chunkID)
	}
	return r.Location.Host, r.Location.Port, nil
}

// SendFile uploads one partitioned file to an ingest worker.
func (c *Client) SendFile(ctx context.Context, host string, port, transactionID int, table, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("transaction_id", strconv.Itoa(transactionID))
	_ = mw.WriteField("table", table)
	_ = mw.WriteField("auth_key", c.authKey)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("failed to buffer %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%d/ingest/file", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var r reply
	if err := c.do(req, &r); err != nil {
		return fmt.Errorf("failed to send %s to %s:%d: %w", filepath.Base(path), host, port, err)
	}
	return nil
}

// PublishDatabase makes an ingested database visible for queries. Call
// it once every chunk has been ingested.
func (c *Client) PublishDatabase(ctx context.Context, database string) error {
	body := map[string]any{"auth_key": c.authKey}
	if err := c.request(ctx, http.MethodPut, "ingest/database/"+database, body, nil); err != nil {
		return fmt.Errorf("failed to publish database %s: %w", database, err)
	}
	c.logInfo(ctx, "database published", "database", database)
	return nil
}

func (c *Client) request(ctx context.Context, method, cmd string, body map[string]any, out *reply) error {
	req, err := c.newRequest(ctx, method, cmd, body)
	if err != nil {
		return err
	}
	var r reply
	if out == nil {
		out = &r
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, cmd string, body map[string]any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+cmd, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends the request and decodes the JSON envelope. A non-200 status
// or success=false in the body is an error.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ingest %s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("ingest %s %s: bad reply: %w", req.Method, req.URL.Path, err)
	}
	if ok, msg := successOf(out); !ok {
		return fmt.Errorf("ingest %s %s: %s", req.Method, req.URL.Path, msg)
	}
	return nil
}

func successOf(out any) (bool, string) {
	switch v := out.(type) {
	case *reply:
		return v.Success, errMsg(v.Error)
	case *transReply:
		return v.Success, errMsg(v.Error)
	case *locationReply:
		return v.Success, errMsg(v.Error)
	}
	return true, ""
}

func errMsg(e string) string {
	if e == "" {
		return "request rejected"
	}
	return e
}

func (c *Client) logDebug(ctx context.Context, msg string, kv ...any) {
	if c.logger != nil {
		c.logger.Debug(ctx, msg, kv...)
	}
}

func (c *Client) logInfo(ctx context.Context, msg string, kv ...any) {
	if c.logger != nil {
		c.logger.Info(ctx, msg, kv...)
	}
}
