// Package sqlagentctl is the operator CLI for the sqlagent HTTP API.
package sqlagentctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type Options struct {
	BaseURL    string
	APIKey     string
	UserID     string
	Password   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

// requestError is a failed or rejected API call. It exits with 1; every
// other error is a usage problem and exits with 2.
type requestError struct {
	err error
}

func (e requestError) Error() string { return e.err.Error() }

func (e requestError) Unwrap() error { return e.err }

type client struct {
	baseURL string
	apiKey  string
	userID  string
	http    *http.Client
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	root := newRootCmd(defaults)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		var reqErr requestError
		if errors.As(err, &reqErr) {
			return 1
		}
		_, _ = fmt.Fprintln(stderr, root.UsageString())
		return 2
	}
	return 0
}

func newRootCmd(defaults Options) *cobra.Command {
	c := &client{}
	var timeout time.Duration

	root := &cobra.Command{
		Use:           "sqlagentctl",
		Short:         "Operate sqlagent sessions from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			c.http = defaults.HTTPClient
			if c.http == nil {
				c.http = &http.Client{Timeout: timeout}
			}
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&c.baseURL, "base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "sqlagent API base URL")
	flags.StringVar(&c.apiKey, "api-key", defaults.APIKey, "API key for authenticated requests")
	flags.StringVar(&c.userID, "user-id", defaults.UserID, "User ID header (used when auth is disabled)")
	flags.DurationVar(&timeout, "timeout", durationOr(defaults.Timeout, 2*time.Minute), "HTTP timeout (e.g. 90s)")

	root.AddCommand(
		simpleCmd(c, "health", "Check API liveness", http.MethodGet, "/v1/health"),
		simpleCmd(c, "ready", "Check API readiness", http.MethodGet, "/v1/ready"),
		newSessionsCmd(c),
		newConnectionsCmd(c, defaults.Password),
		newBindCmd(c, defaults.Password),
		newUnbindCmd(c),
		newAskCmd(c),
		newHistoryCmd(c),
	)
	return root
}

func simpleCmd(c *client, use, short, method, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, method, path, nil)
		},
	}
}

func newSessionsCmd(c *client) *cobra.Command {
	sessions := &cobra.Command{
		Use:   "sessions",
		Short: "Create, list, inspect and delete sessions",
	}
	sessions.AddCommand(
		&cobra.Command{
			Use:   "create",
			Short: "Create a session",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.call(cmd, http.MethodPost, "/v1/sessions", nil)
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List your sessions, newest first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.call(cmd, http.MethodGet, "/v1/sessions", nil)
			},
		},
		&cobra.Command{
			Use:     "get <session-id>",
			Aliases: []string{"status"},
			Short:   "Show a session and whether it is bound",
			Args:    cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.call(cmd, http.MethodGet, sessionPath(args[0], ""), nil)
			},
		},
		&cobra.Command{
			Use:   "delete <session-id>",
			Short: "Delete a session, its binding and its history",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.call(cmd, http.MethodDelete, sessionPath(args[0], ""), nil)
			},
		},
	)
	return sessions
}

type bindFlags struct {
	Driver   string            `json:"driver,omitempty"`
	Host     string            `json:"host,omitempty"`
	Port     int               `json:"port,omitempty"`
	Database string            `json:"database"`
	Username string            `json:"username,omitempty"`
	Password string            `json:"password,omitempty"`
	SSLMode  string            `json:"ssl_mode,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
}

func addDescriptorFlags(cmd *cobra.Command, body *bindFlags) {
	flags := cmd.Flags()
	flags.StringVar(&body.Driver, "driver", "", "postgres, mysql or duckdb (server default when empty)")
	flags.StringVar(&body.Host, "host", "", "database host")
	flags.IntVar(&body.Port, "port", 0, "database port (driver default when 0)")
	flags.StringVar(&body.Database, "database", "", "database name, or file path for duckdb")
	flags.StringVar(&body.Username, "username", "", "database user")
	flags.StringVar(&body.Password, "password", "", "database password (defaults to SQLAGENT_TARGET_PASSWORD)")
	flags.StringVar(&body.SSLMode, "ssl-mode", "", "postgres sslmode or mysql tls setting")
	flags.StringToStringVar(&body.Params, "param", nil, "extra driver parameter, key=value")
}

func newBindCmd(c *client, defaultPassword string) *cobra.Command {
	var (
		body       bindFlags
		connection string
	)
	cmd := &cobra.Command{
		Use:   "bind <session-id>",
		Short: "Bind a session to a target database",
		Long: `Bind a session to a target database. The session is created for you
when it does not exist yet.

Examples:
  sqlagentctl bind s1 --driver postgres --host db --database shop --username analyst
  sqlagentctl bind s1 --driver duckdb --database /data/shop.duckdb
  sqlagentctl bind s1 --connection 6f1c0d2e-...
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if connection = strings.TrimSpace(connection); connection != "" {
				if strings.TrimSpace(body.Database) != "" {
					return fmt.Errorf("--connection cannot be combined with --database")
				}
				return c.call(cmd, http.MethodPost, sessionPath(args[0], "connect/"+url.PathEscape(connection)), nil)
			}
			if strings.TrimSpace(body.Database) == "" {
				return fmt.Errorf("--database or --connection is required")
			}
			if body.Password == "" {
				body.Password = defaultPassword
			}
			return c.call(cmd, http.MethodPost, sessionPath(args[0], "bind"), body)
		},
	}
	addDescriptorFlags(cmd, &body)
	cmd.Flags().StringVar(&connection, "connection", "", "saved connection id to bind instead of flags")
	return cmd
}

type saveConnectionBody struct {
	Name string `json:"name"`
	bindFlags
}

func newConnectionsCmd(c *client, defaultPassword string) *cobra.Command {
	connections := &cobra.Command{
		Use:   "connections",
		Short: "Save, list, inspect and delete named database connections",
	}

	var body saveConnectionBody
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Save a connection under a name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(body.Database) == "" {
				return fmt.Errorf("--database is required")
			}
			if body.Password == "" {
				body.Password = defaultPassword
			}
			body.Name = args[0]
			return c.call(cmd, http.MethodPost, "/v1/connections", body)
		},
	}
	addDescriptorFlags(add, &body.bindFlags)

	connections.AddCommand(
		add,
		&cobra.Command{
			Use:   "list",
			Short: "List your saved connections",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.call(cmd, http.MethodGet, "/v1/connections", nil)
			},
		},
		&cobra.Command{
			Use:   "get <connection-id>",
			Short: "Show a saved connection without its password",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.call(cmd, http.MethodGet, connectionPath(args[0]), nil)
			},
		},
		&cobra.Command{
			Use:   "delete <connection-id>",
			Short: "Delete a saved connection",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.call(cmd, http.MethodDelete, connectionPath(args[0]), nil)
			},
		},
	)
	return connections
}

func newUnbindCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "unbind <session-id>",
		Short: "Drop the database binding, keeping history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, http.MethodDelete, sessionPath(args[0], "bind"), nil)
		},
	}
}

func newAskCmd(c *client) *cobra.Command {
	var trace bool
	cmd := &cobra.Command{
		Use:   "ask <session-id> <question...>",
		Short: "Ask a question in a bound session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := sessionPath(args[0], "ask")
			if trace {
				path += "?trace=true"
			}
			return c.call(cmd, http.MethodPost, path, map[string]string{"question": strings.Join(args[1:], " ")})
		},
	}
	cmd.Flags().BoolVar(&trace, "trace", false, "include tool invocations in the output")
	return cmd
}

func newHistoryCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "history <session-id>",
		Short: "Print the conversation memory of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, http.MethodGet, sessionPath(args[0], "history"), nil)
		},
	}
}

func sessionPath(sessionID, action string) string {
	path := "/v1/sessions/" + url.PathEscape(strings.TrimSpace(sessionID))
	if action != "" {
		path += "/" + action
	}
	return path
}

func connectionPath(connectionID string) string {
	return "/v1/connections/" + url.PathEscape(strings.TrimSpace(connectionID))
}

// call sends one request and pretty prints the JSON response.
func (c *client) call(cmd *cobra.Command, method, path string, payload any) error {
	endpoint := strings.TrimRight(c.baseURL, "/") + path
	code, responseBody, err := c.do(cmd.Context(), method, endpoint, payload)
	if err != nil {
		return requestError{fmt.Errorf("request failed: %w", err)}
	}
	if code >= 400 {
		return requestError{fmt.Errorf("http %d: %s", code, strings.TrimSpace(string(responseBody)))}
	}

	out := cmd.OutOrStdout()
	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(out, pretty)
		return nil
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(out, string(responseBody))
	}
	return nil
}

func (c *client) do(ctx context.Context, method, endpoint string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(c.apiKey))
	}
	if strings.TrimSpace(c.userID) != "" {
		req.Header.Set("X-User-ID", strings.TrimSpace(c.userID))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, responseBody, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
