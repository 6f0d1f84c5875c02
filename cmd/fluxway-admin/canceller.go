package main

import (
	"context"
	"fmt"

	"github.com/fluxway/fluxway/pkg/engine"
	"github.com/fluxway/fluxway/pkg/persistence"
)

// MarkCanceller requests cancellation by marking the instance in the
// store. An engine observing the instance runs compensation; this process
// never executes compensators itself.
type MarkCanceller struct {
	persistence persistence.Persistence
}

func NewMarkCanceller(store persistence.Persistence) *MarkCanceller {
	return &MarkCanceller{persistence: store}
}

func (c *MarkCanceller) CancelInstance(ctx context.Context, instanceID string) error {
	instance, err := c.persistence.InstanceByID(ctx, instanceID)
	if err != nil {
		return err
	}

	if instance.State.Terminal() {
		return fmt.Errorf("%w: instance %s is %s", engine.ErrInstanceTerminal, instanceID, instance.State)
	}

	if instance.CancelRequested {
		return nil
	}

	instance.CancelRequested = true

	return c.persistence.SaveInstance(ctx, instance)
}
