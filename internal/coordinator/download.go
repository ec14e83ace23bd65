package coordinator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/podcleaner/pkg/models"
)

// Download returns a URL for the cleaned audio of a completed job.
func (c *Coordinator) Download(ctx context.Context, id uuid.UUID) (string, error) {
	st, err := c.Status(ctx, id)
	if err != nil {
		return "", err
	}
	if st.Stage != models.StageCompleted {
		return "", fmt.Errorf("%w: job %s is %s", ErrNotCompleted, id, st.Stage)
	}
	ref := st.Artifacts[models.StageProcessing]
	link, err := c.resolver.Locate(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("locating %s: %w", ref, err)
	}
	return link, nil
}
