package platform

import (
	"context"
	"path"

	"go.uber.org/zap"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/restorer"
)

const (
	expiredTitle = "The access to your project backup has expired due to inactivity."
	recoveryLink = "https://ecosystem.supervisely.com/apps/restore-archived-project?id=283#recovery"
)

// SetArchive publishes the uploaded archive as the task's result so the
// task card offers it for download.
func (c *Client) SetArchive(ctx context.Context, file restorer.StoredFile) error {
	resp, err := c.postJSON(ctx, "tasks.output.set", map[string]interface{}{
		"taskId": c.taskID,
		"output": map[string]interface{}{
			"general": map[string]interface{}{
				"title":     path.Base(file.Path),
				"titleUrl":  file.Path,
				"fileId":    file.ID,
				"isArchive": true,
				"zmdiIcon":  "zmdi-archive",
				"iconColor": "#33c94c",
				"bgColor":   "#d9f7e4",
			},
		},
	})
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// SetExpiredNotice records the expired-access outcome on the task card so the
// user learns why nothing was restored.
func (c *Client) SetExpiredNotice(ctx context.Context) error {
	c.log.Warn("reporting expired data access", zap.String("link", recoveryLink))
	resp, err := c.postJSON(ctx, "tasks.output.set", map[string]interface{}{
		"taskId": c.taskID,
		"output": map[string]interface{}{
			"general": map[string]interface{}{
				"title":       expiredTitle,
				"description": "More info: " + recoveryLink,
				"zmdiIcon":    "zmdi-alert-triangle",
				"iconColor":   "#f5a040",
				"bgColor":     "#ffdeb9",
			},
		},
	})
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
