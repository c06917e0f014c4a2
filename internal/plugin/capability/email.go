package capability

import (
	"context"
	"fmt"
)

// Email gates access to the host email sender.
type Email struct {
	perms  Set
	sender EmailSender
}

// Send delivers one message through the host sender. Requires email:send.
func (e *Email) Send(ctx context.Context, msg Message) error {
	if err := e.perms.require(PermEmailSend); err != nil {
		return err
	}
	if len(msg.To) == 0 {
		return fmt.Errorf("capability: email has no recipients")
	}
	if e.sender == nil {
		return fmt.Errorf("capability: no email sender configured")
	}
	return e.sender.Send(ctx, msg)
}
