package agent

import (
	"context"
	"fmt"
	"html"

	"chatkeeper/internal/logging"
)

// BackupOutcome is the result of one backup plan run.
type BackupOutcome string

const (
	BackupSent              BackupOutcome = "sent"
	BackupInputMissing      BackupOutcome = "input_missing"
	BackupSendIconMissing   BackupOutcome = "send_icon_missing"
	BackupSendButtonMissing BackupOutcome = "send_button_missing"
	BackupFailed            BackupOutcome = "failed"
)

// executeBackupPlan types the fallback phrase into the chat input and clicks send.
// Every failure ends the plan with a logged error; nothing is retried.
func (a *Agent) executeBackupPlan(ctx context.Context) BackupOutcome {
	a.stats.BackupRuns++
	a.log(fmt.Sprintf("running backup plan: send %q", a.opts.FallbackPhrase), logging.Warn)

	sel := a.opts.Selectors
	box, err := a.doc.Query(ctx, sel.InputBox)
	if err != nil || box == nil {
		a.log("backup plan failed: input box not found", logging.Error)
		return BackupInputMissing
	}

	if err := box.Focus(ctx); err != nil {
		a.log(fmt.Sprintf("backup plan failed: focus input: %v", err), logging.Error)
		return BackupFailed
	}
	if err := box.SetHTML(ctx, "<p>"+html.EscapeString(a.opts.FallbackPhrase)+"</p>"); err != nil {
		a.log(fmt.Sprintf("backup plan failed: set input: %v", err), logging.Error)
		return BackupFailed
	}
	if err := box.DispatchInput(ctx); err != nil {
		a.log(fmt.Sprintf("backup plan failed: dispatch input: %v", err), logging.Error)
		return BackupFailed
	}
	a.log(fmt.Sprintf("typed %q into input box", a.opts.FallbackPhrase), logging.Info)

	if err := a.opts.Sleep(ctx, a.opts.SendDelay); err != nil {
		a.log(fmt.Sprintf("backup plan interrupted: %v", err), logging.Error)
		return BackupFailed
	}

	icon, err := a.doc.Query(ctx, sel.SendIcon)
	if err != nil || icon == nil {
		a.log("backup plan failed: send icon not found", logging.Error)
		return BackupSendIconMissing
	}
	button, err := icon.Closest(ctx, sel.SendButton)
	if err != nil || button == nil {
		a.log("backup plan failed: send icon has no clickable button", logging.Error)
		return BackupSendButtonMissing
	}
	if err := button.Click(ctx); err != nil {
		a.log(fmt.Sprintf("backup plan failed: click send: %v", err), logging.Error)
		return BackupFailed
	}

	a.lastActionAt = a.opts.Now()
	a.stats.BackupSent++
	a.log("backup plan sent the fallback message", logging.Success)
	return BackupSent
}
