// Package console renders the terminal UI for the console channel.
package console

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"lotbot/pkg/bus"
)

// Chat is the simulated conversation the UI drives.
type Chat interface {
	Submit(ctx context.Context, line string) error
	Outbox() <-chan bus.OutboundMessage
	UserID() string
	ChatID() string
}

func RunInteractive(ctx context.Context, chat Chat) error {
	model := newModel(ctx, chat)
	program := tea.NewProgram(model, tea.WithContext(ctx), tea.WithMouseCellMotion())
	_, err := program.Run()
	if err != nil {
		return err
	}

	fmt.Print("\033[H\033[2J")
	fmt.Println(renderGoodbyeBanner())
	return nil
}

func renderGoodbyeBanner() string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("23")).
		Padding(1, 2)

	return style.Render("Console session closed")
}
