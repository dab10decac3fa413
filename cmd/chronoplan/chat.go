package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"chronoplan/internal/orchestrator"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive calendar assistant session",
	RunE:  runChat,
}

var (
	promptStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	pendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Italic(true)
	traceStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	bannerStyle    = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1).
			Foreground(lipgloss.Color("12"))
)

func runChat(cmd *cobra.Command, _ []string) error {
	cfg := configFrom(cmd.Context())
	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	sessionID := uuid.NewString()
	fmt.Println(bannerStyle.Render("chronoplan: type a request, /help for commands"))

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(promptStyle.Render("you> "))
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := runChatCommand(cmd, a, sessionID, line); quit {
				return nil
			}
			continue
		}

		resp, err := a.orch.HandleMessage(cmd.Context(), sessionID, line)
		if err != nil {
			fmt.Println(errorStyle.Render("error: " + err.Error()))
			continue
		}
		printResponse(resp)
	}
}

func runChatCommand(cmd *cobra.Command, a *app, sessionID, line string) (quit bool) {
	switch strings.Fields(line)[0] {
	case "/quit", "/exit":
		return true
	case "/confirm":
		resp, err := a.orch.ConfirmPending(cmd.Context(), sessionID)
		if errors.Is(err, orchestrator.ErrNoPendingPlan) {
			fmt.Println(pendingStyle.Render("nothing is waiting for confirmation"))
			return false
		}
		if err != nil {
			fmt.Println(errorStyle.Render("error: " + err.Error()))
			return false
		}
		printResponse(resp)
	case "/cancel":
		if a.orch.CancelPending(sessionID) {
			fmt.Println(assistantStyle.Render("pending plan discarded"))
		} else {
			fmt.Println(pendingStyle.Render("nothing is waiting for confirmation"))
		}
	case "/policies":
		for _, p := range a.policies.List() {
			status := "enabled"
			if !p.Enabled() {
				status = "disabled"
			}
			fmt.Printf("  %s  [%s/%s, priority %d]  %s\n", p.ID, p.Strength, status, p.Priority, p.Name)
		}
	case "/help":
		fmt.Println("  /confirm   apply the staged changes")
		fmt.Println("  /cancel    discard the staged changes")
		fmt.Println("  /policies  list scheduling policies")
		fmt.Println("  /quit      exit")
	default:
		fmt.Println(pendingStyle.Render("unknown command, try /help"))
	}
	return false
}

func printResponse(resp *orchestrator.Response) {
	fmt.Println(assistantStyle.Render(resp.ReplyText))
	if verbose {
		for _, tr := range resp.Trace {
			fmt.Println(traceStyle.Render(fmt.Sprintf("  · %s [%s]", tr.Label, tr.Status)))
		}
	}
	if resp.NeedsConfirmation {
		fmt.Println(pendingStyle.Render("(reply yes/no, or /confirm, /cancel)"))
	}
}
