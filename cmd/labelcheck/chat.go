package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"labelcheck-assistant/internal/backend"
	"labelcheck-assistant/internal/config"
	"labelcheck-assistant/internal/core"
	"labelcheck-assistant/pkg"
)

// pollInterval is how often the terminal checks for newly visible plan steps.
const pollInterval = 200 * time.Millisecond

func newChatCmd() *cobra.Command {
	var imagePath string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Long: "Reads questions from stdin. Commands:\n" +
			"  /image <path>  attach a label photo to the next question\n" +
			"  /profile       show your health profile\n" +
			"  /<n>           ask follow-up suggestion n\n" +
			"  /quit          leave",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := config.NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			updates := make(chan string, 16)
			sess := core.NewSession(core.Options{
				Backend: backend.FromConfig(cfg, logger),
				Reveal:  cfg.Reveal,
				Logger:  logger,
				OnUpdate: func(turnID string) {
					select {
					case updates <- turnID:
					default:
					}
				},
			})
			defer sess.Close()

			t := &terminal{out: cmd.OutOrStdout(), sess: sess, updates: updates}
			if imagePath != "" {
				if err := t.attach(imagePath); err != nil {
					return err
				}
			}
			return t.loop(cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&imagePath, "image", "", "label photo to attach to the first question")
	return cmd
}

// terminal renders one session on a text stream.
type terminal struct {
	out       io.Writer
	sess      *core.Session
	updates   <-chan string
	pending   *pkg.Attachment
	followUps []string
}

func (t *terminal) loop(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(t.out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			return nil
		case line == "/profile":
			t.printProfile()
		case strings.HasPrefix(line, "/image "):
			if err := t.attach(strings.TrimSpace(strings.TrimPrefix(line, "/image "))); err != nil {
				fmt.Fprintln(t.out, "error:", err)
			}
		case strings.HasPrefix(line, "/"):
			n, err := strconv.Atoi(line[1:])
			if err != nil || n < 1 || n > len(t.followUps) {
				fmt.Fprintln(t.out, "unknown command")
				break
			}
			t.ask(t.followUps[n-1])
		default:
			t.ask(line)
		}
		fmt.Fprint(t.out, "> ")
	}
	return scanner.Err()
}

func (t *terminal) attach(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	t.pending = pkg.NewAttachment(data, filepath.Base(path), "")
	fmt.Fprintf(t.out, "attached %s (%d bytes)\n", filepath.Base(path), len(data))
	return nil
}

func (t *terminal) ask(question string) {
	_, agentID, err := t.sess.Submit(question, t.pending)
	if errors.Is(err, core.ErrBusy) {
		fmt.Fprintln(t.out, "still working on the previous question")
		return
	}
	if err != nil {
		fmt.Fprintln(t.out, "error:", err)
		return
	}
	t.pending = nil
	fmt.Fprintln(t.out, "thinking...")
	t.follow(agentID)
}

// follow prints plan steps as they become visible and the results once the
// turn is revealed.
func (t *terminal) follow(agentID string) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	shown := 0
	for {
		view, ok := findTurn(t.sess.View(), agentID)
		if !ok {
			return
		}
		for ; shown < len(view.PlanSteps); shown++ {
			fmt.Fprintf(t.out, "  %d. %s\n", shown+1, view.PlanSteps[shown])
		}
		if view.Phase == pkg.PhaseResults {
			t.printResults(view)
			return
		}
		select {
		case <-t.updates:
		case <-ticker.C:
		}
	}
}

func (t *terminal) printResults(view pkg.TurnView) {
	p := pkg.AgentPayload{}
	if view.Payload != nil {
		p = *view.Payload
	}
	fmt.Fprintf(t.out, "Verdict: %s\n", p.VerdictOr(core.UnknownVerdict))
	if name, ok := view.Subject["name"].(string); ok && name != "" {
		fmt.Fprintf(t.out, "Product: %s\n", name)
	}
	if p.Reasoning != nil {
		fmt.Fprintln(t.out, *p.Reasoning)
	}
	t.followUps = view.FollowUps
	for i, s := range t.followUps {
		fmt.Fprintf(t.out, "  /%d %s\n", i+1, s)
	}
}

func (t *terminal) printProfile() {
	p := t.sess.Profile()
	fmt.Fprintf(t.out, "Allergies:  %s\n", strings.Join(p.Allergies, ", "))
	fmt.Fprintf(t.out, "Conditions: %s\n", strings.Join(p.Conditions, ", "))
	fmt.Fprintf(t.out, "Goals:      %s\n", strings.Join(p.Goals, ", "))
	fmt.Fprintf(t.out, "(%d flags)\n", p.FlagCount())
}

func findTurn(view pkg.SessionView, id string) (pkg.TurnView, bool) {
	for _, v := range view.Turns {
		if v.ID == id {
			return v, true
		}
	}
	return pkg.TurnView{}, false
}
