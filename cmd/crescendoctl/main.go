// crescendoctl is the operator CLI: it scaffolds configuration and talks to
// a running crescendod over its HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/crescendoschool/crescendo-core/internal/bootstrap"
	"github.com/crescendoschool/crescendo-core/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "init":
		err = runInit(os.Args[2:])
	case "threads":
		err = runThreads(os.Args[2:])
	case "submit":
		err = runSubmit(os.Args[2:])
	case "messages":
		err = runMessages(os.Args[2:])
	case "balance":
		err = runBalance(os.Args[2:])
	case "topup":
		err = runTopup(os.Args[2:])
	case "version", "--version":
		fmt.Println("crescendoctl " + version.FullInfo())
	case "help", "--help", "-h":
		printUsage()
	default:
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", os.Args[1], err)
	}
}

func printUsage() {
	fmt.Print(`Crescendo operator CLI

Usage:
  crescendoctl init [flags]       Generate config/setting.ini, crescendo.ini and pricing.yaml
  crescendoctl threads            List your threads
  crescendoctl submit             Submit a message to a thread
  crescendoctl messages           List messages in a thread
  crescendoctl balance            Show credit balance and recent transactions
  crescendoctl topup              Credit an account (requires admin key)
  crescendoctl version            Print build information

Common flags:
  --addr string    service base URL (default 'http://localhost:8084', env CRESCENDO_ADDR)
  --token string   session token (env CRESCENDO_TOKEN)
  --user string    user id for auth-disabled servers (env CRESCENDO_USER)
`)
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	root := fs.String("root", ".", "config root")
	env := fs.String("env", "dev", "environment name")
	httpAddr := fs.String("http-address", ":8084", "service bind address")
	driver := fs.String("store-driver", "sqlite", "sqlite, postgres or memory")
	ledgerPath := fs.String("ledger-path", "", "ledger sqlite path")
	messagesPath := fs.String("messages-path", "", "message store sqlite path")
	workerURL := fs.String("worker-url", "", "worker fleet base URL")
	callbackURL := fs.String("callback-url", "", "public callback URL for workers")
	secret := fs.String("webhook-secret", "", "shared webhook secret")
	adminKey := fs.String("admin-key", "", "key for the top-up endpoint")
	force := fs.Bool("force", false, "overwrite existing files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts := bootstrap.InitOptions{
		Root:          *root,
		Environment:   *env,
		HTTPAddress:   *httpAddr,
		StoreDriver:   *driver,
		LedgerPath:    *ledgerPath,
		MessagesPath:  *messagesPath,
		WorkerBaseURL: *workerURL,
		CallbackURL:   *callbackURL,
		WebhookSecret: *secret,
		AdminKey:      *adminKey,
		Force:         *force,
	}
	if err := bootstrap.Validate(opts); err != nil {
		return err
	}
	if err := bootstrap.Init(opts); err != nil {
		return err
	}
	fmt.Println("crescendo config initialised")
	return nil
}

// apiClient carries connection flags shared by all service subcommands.
type apiClient struct {
	addr  string
	token string
	user  string
	http  *http.Client
}

func newAPIFlags(fs *flag.FlagSet) *apiClient {
	c := &apiClient{http: &http.Client{Timeout: 15 * time.Second}}
	fs.StringVar(&c.addr, "addr", envOr("CRESCENDO_ADDR", "http://localhost:8084"), "service base URL")
	fs.StringVar(&c.token, "token", os.Getenv("CRESCENDO_TOKEN"), "session token")
	fs.StringVar(&c.user, "user", os.Getenv("CRESCENDO_USER"), "user id (auth-disabled servers)")
	return c
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (c *apiClient) do(method, path string, body any, out any) error {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, strings.TrimRight(c.addr, "/")+path, buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.user != "" {
		req.Header.Set("X-User-ID", c.user)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server: %s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("server: status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func runThreads(args []string) error {
	fs := flag.NewFlagSet("threads", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	c := newAPIFlags(fs)
	create := fs.Bool("create", false, "create a new thread")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *create {
		var thread map[string]any
		if err := c.do(http.MethodPost, "/v1/threads", nil, &thread); err != nil {
			return err
		}
		return printJSON(thread)
	}
	var out struct {
		Threads []map[string]any `json:"threads"`
	}
	if err := c.do(http.MethodGet, "/v1/threads", nil, &out); err != nil {
		return err
	}
	return printJSON(out.Threads)
}

func runSubmit(args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	c := newAPIFlags(fs)
	thread := fs.String("thread", "", "thread id")
	content := fs.String("content", "", "message content")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *thread == "" || strings.TrimSpace(*content) == "" {
		return fmt.Errorf("--thread and --content are required")
	}
	var out map[string]any
	if err := c.do(http.MethodPost, "/v1/threads/"+*thread+"/messages", map[string]string{"content": *content}, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func runMessages(args []string) error {
	fs := flag.NewFlagSet("messages", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	c := newAPIFlags(fs)
	thread := fs.String("thread", "", "thread id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *thread == "" {
		return fmt.Errorf("--thread is required")
	}
	var out struct {
		Messages []map[string]any `json:"messages"`
	}
	if err := c.do(http.MethodGet, "/v1/threads/"+*thread+"/messages", nil, &out); err != nil {
		return err
	}
	return printJSON(out.Messages)
}

func runBalance(args []string) error {
	fs := flag.NewFlagSet("balance", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	c := newAPIFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	var acct map[string]any
	if err := c.do(http.MethodGet, "/v1/ledger", nil, &acct); err != nil {
		return err
	}
	return printJSON(acct)
}

func runTopup(args []string) error {
	fs := flag.NewFlagSet("topup", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	c := newAPIFlags(fs)
	user := fs.String("for", "", "user id to credit")
	amount := fs.Int64("amount", 0, "credit units to add")
	desc := fs.String("description", "", "transaction description")
	adminKey := fs.String("admin-key", os.Getenv("CRESCENDO_ADMIN_KEY"), "admin key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" || *amount <= 0 {
		return fmt.Errorf("--for and a positive --amount are required")
	}
	if *adminKey == "" {
		return fmt.Errorf("--admin-key or CRESCENDO_ADMIN_KEY required")
	}

	body, err := json.Marshal(map[string]any{"user_id": *user, "amount": *amount, "description": *desc})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(c.addr, "/")+"/v1/admin/credits/topup", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Key", *adminKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server: %s (status %d)", strings.TrimSpace(string(data)), resp.StatusCode)
	}
	var txn map[string]any
	if err := json.Unmarshal(data, &txn); err != nil {
		return err
	}
	return printJSON(txn)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
