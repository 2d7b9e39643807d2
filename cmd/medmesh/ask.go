package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/medmesh"
	"github.com/hupe1980/medmesh/core"
	"github.com/hupe1980/medmesh/engine"
	"github.com/hupe1980/medmesh/gateway"
)

var (
	askSession string
	askRemote  bool
	askToken   string
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer one medical question and print the reasoning steps",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askSession, "session", "cli", "session ID carrying conversation history")
	askCmd.Flags().BoolVar(&askRemote, "remote", false, "send the question to the gateway at server.router_url")
	askCmd.Flags().StringVar(&askToken, "auth-token", os.Getenv("MEDMESH_AUTH_TOKEN"), "bearer token for --remote")
}

func runAsk(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	out := cmd.OutOrStdout()
	if askRemote {
		answer, err := askGateway(ctx, cfg.Server.RouterURL, askToken, askSession, query, cfg.Orchestrator.ChatTimeout)
		if err != nil {
			return err
		}
		printAnswer(out, answer)
		return nil
	}

	mesh, err := medmesh.New(cfg)
	if err != nil {
		return err
	}
	defer mesh.Close()

	_, events, errs, err := mesh.Invoke(ctx, askSession, query)
	if err != nil {
		return err
	}
	for ev := range events {
		printEvent(out, ev)
	}
	return <-errs
}

// printEvent renders one coordinator event as a single line, or the answer
// block for the final event.
func printEvent(w io.Writer, ev core.Event) {
	switch ev.Type {
	case core.EventStatus:
		fmt.Fprintf(w, "[%s]\n", ev.State)
	case core.EventAction:
		fmt.Fprintf(w, "[turn %d] %s %s\n", ev.Turn, ev.Action, ev.Text)
	case core.EventResult:
		if ev.Error != "" {
			fmt.Fprintf(w, "[turn %d] %s failed: %s\n", ev.Turn, ev.Action, ev.Error)
			return
		}
		fmt.Fprintf(w, "[turn %d] %s -> %s\n", ev.Turn, ev.Action, shorten(ev.Text, 200))
	case core.EventFinal:
		if ev.Error != "" {
			fmt.Fprintf(w, "[%s] %s\n", ev.State, ev.Error)
			return
		}
		printAnswer(w, engine.Answer{
			TaskID:     ev.TaskID,
			Text:       ev.Text,
			Incomplete: ev.Incomplete,
			Degraded:   ev.Degraded,
			Turns:      ev.Turn,
		})
	}
}

func printAnswer(w io.Writer, a engine.Answer) {
	var flags []string
	if a.Incomplete {
		flags = append(flags, "incomplete")
	}
	if a.Degraded {
		flags = append(flags, "degraded")
	}
	fmt.Fprintf(w, "\n%s\n", a.Text)
	if len(flags) > 0 {
		fmt.Fprintf(w, "(%s)\n", strings.Join(flags, ", "))
	}
}

// askGateway posts query to a running gateway and returns its answer.
func askGateway(ctx context.Context, baseURL, token, sessionID, query string, timeout time.Duration) (engine.Answer, error) {
	body, err := json.Marshal(gateway.MessageRequest{Message: query})
	if err != nil {
		return engine.Answer{}, err
	}
	u := strings.TrimRight(baseURL, "/") + "/v1/sessions/" + url.PathEscape(sessionID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return engine.Answer{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: timeout + 10*time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return engine.Answer{}, fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e gateway.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			return engine.Answer{}, fmt.Errorf("gateway returned %s", resp.Status)
		}
		return engine.Answer{TaskID: e.TaskID}, errors.New(e.Error)
	}

	var answer engine.Answer
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return engine.Answer{}, fmt.Errorf("decoding answer: %w", err)
	}
	return answer, nil
}

func shorten(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
