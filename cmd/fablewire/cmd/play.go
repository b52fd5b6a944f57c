package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/fablewire/fablewire/pkg/fablewire/dispatch"
	"github.com/fablewire/fablewire/pkg/fablewire/session"
	"github.com/fablewire/fablewire/pkg/fablewire/transport"
)

// playCmd represents the play command
var playCmd = &cobra.Command{
	Use:   "play <server-url>",
	Short: "Play interactive fiction against a fablewire server",
	Long: `Connect to a fablewire server and play from the terminal.

The first argument is the server base URL. Without --session a new game
session is created over REST before connecting. Each line you type is sent
as a player action; narrator responses are printed as they arrive.

Examples:
  fablewire play http://localhost:8080
  fablewire play http://localhost:8080 --session 7f3c2a9e-...`,
	Args: cobra.ExactArgs(1),
	RunE: runPlay,
}

var (
	playSessionID string
)

func init() {
	rootCmd.AddCommand(playCmd)

	playCmd.Flags().StringVar(&playSessionID, "session", "", "existing session id to resume")
}

func runPlay(cmd *cobra.Command, args []string) error {
	// Setup logger
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	serverURL := strings.TrimRight(args[0], "/")
	ctx := cmd.Context()

	sessionID := playSessionID
	if sessionID == "" {
		sessionID, err = createSession(ctx, serverURL)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		fmt.Printf("Started session %s\n", sessionID)
	}

	store := session.NewMemoryStore(logger)
	printer := newStoryPrinter(store)
	store.Subscribe(printer.printNew)

	conn, err := transport.NewConn().
		WithBaseURL(serverURL).
		WithStore(store).
		WithLogger(logger).
		Build()
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}
	defer conn.Disconnect()

	conn.OnStatusChange(func(old, new transport.Status, err error) {
		if err != nil {
			fmt.Printf("[%s -> %s: %v]\n", old, new, err)
		} else {
			fmt.Printf("[%s -> %s]\n", old, new)
		}
	})
	conn.OnServerError(func(code, message string) {
		fmt.Printf("[server error %s: %s]\n", code, message)
	})

	dispatcher, err := dispatch.NewDispatcher().
		WithConn(conn).
		WithRESTClient(dispatch.NewRESTClient(serverURL, nil)).
		WithStore(store).
		WithLogger(logger).
		Build()
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	if err := conn.Connect(ctx, sessionID); err != nil {
		// The REST fallback still works; play on without the socket.
		fmt.Printf("[no live channel, using REST: %v]\n", err)
	}

	fmt.Println("Type your actions. Ctrl+D or /quit to leave.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			break
		}

		if _, err := dispatcher.PerformAction(ctx, sessionID, line); err != nil {
			fmt.Printf("[action failed: %v]\n", err)
		}
	}

	fmt.Println("Goodbye.")
	return scanner.Err()
}

// createSession asks the server for a fresh game session over REST.
func createSession(ctx context.Context, serverURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		serverURL+"/api/game/sessions", bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var sess session.GameSession
	if err := json.Unmarshal(body, &sess); err != nil {
		return "", err
	}
	return sess.ID, nil
}

// storyPrinter prints story entries as they land in the store, skipping
// entries it already printed and optimistic entries still awaiting
// confirmation.
type storyPrinter struct {
	store *session.MemoryStore

	mu      sync.Mutex
	printed map[string]bool
}

func newStoryPrinter(store *session.MemoryStore) *storyPrinter {
	return &storyPrinter{store: store, printed: make(map[string]bool)}
}

func (p *storyPrinter) printNew() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entry := range p.store.Story() {
		if p.printed[entry.ID] || session.IsTempID(entry.ID) {
			continue
		}
		p.printed[entry.ID] = true
		if entry.Type == session.EntryTypeNarrator {
			fmt.Printf("\n%s\n", entry.Text)
		}
	}
}
