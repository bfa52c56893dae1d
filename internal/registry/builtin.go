package registry

import (
	"context"
	"fmt"

	"github.com/ternarybob/conduit/internal/interfaces"
	"github.com/ternarybob/conduit/internal/models"
)

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, job *models.Job, jctx interfaces.JobContext) (interface{}, error)
}

func (h HandlerFunc) Name() string {
	return h.HandlerName
}

func (h HandlerFunc) Execute(ctx context.Context, job *models.Job, jctx interfaces.JobContext) (interface{}, error) {
	return h.Fn(ctx, job, jctx)
}

func funcFactory(name string, fn func(ctx context.Context, job *models.Job, jctx interfaces.JobContext) (interface{}, error)) interfaces.HandlerFactory {
	return func(meta interfaces.HandlerMeta) (interfaces.Handler, error) {
		return HandlerFunc{HandlerName: name, Fn: fn}, nil
	}
}

// RegisterBuiltins installs the built-in handler factories and registers each
// under its own name, so the service is usable without any manifest files.
// Manifests can still rebind the same factories to other names.
func RegisterBuiltins(r *Registry) {
	builtins := map[string]func(ctx context.Context, job *models.Job, jctx interfaces.JobContext) (interface{}, error){
		"welcomeMessage":     welcomeMessage,
		"echo":               echo,
		"download-video":     downloadVideo,
		"generate-thumbnail": generateThumbnail,
		"watermark-video":    watermarkVideo,
	}

	for name, fn := range builtins {
		factory := funcFactory(name, fn)
		r.RegisterFactory(name, factory)
		handler, _ := factory(interfaces.HandlerMeta{})
		r.Register(handler, interfaces.HandlerMeta{Version: "1.0"})
	}
}

// welcomeMessage greets a new user, reporting stepwise progress.
func welcomeMessage(ctx context.Context, job *models.Job, jctx interfaces.JobContext) (interface{}, error) {
	username, _ := job.Payload["username"].(string)
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}

	for _, pct := range []int{25, 50, 75, 100} {
		select {
		case <-jctx.Done():
			return nil, fmt.Errorf("cancelled")
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := jctx.UpdateProgress(pct); err != nil {
			return nil, err
		}
	}

	return map[string]interface{}{
		"status":  "done",
		"message": fmt.Sprintf("Welcome, %s!", username),
	}, nil
}

// echo returns the submitted payload unchanged. Useful for smoke tests.
func echo(ctx context.Context, job *models.Job, jctx interfaces.JobContext) (interface{}, error) {
	return job.Payload, nil
}

func downloadVideo(ctx context.Context, job *models.Job, jctx interfaces.JobContext) (interface{}, error) {
	url, _ := job.Payload["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	if err := jctx.UpdateProgress(50); err != nil {
		return nil, err
	}
	if err := jctx.UpdateProgress(100); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"filePath": fmt.Sprintf("/tmp/videos/%s.mp4", job.ID),
	}, nil
}

func generateThumbnail(ctx context.Context, job *models.Job, jctx interfaces.JobContext) (interface{}, error) {
	if err := jctx.UpdateProgress(100); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"thumbnailPath": fmt.Sprintf("/tmp/thumbnails/%s.png", job.ID),
	}, nil
}

// watermarkVideo consumes child results (downloaded file, thumbnail) and
// produces the watermarked output path.
func watermarkVideo(ctx context.Context, job *models.Job, jctx interfaces.JobContext) (interface{}, error) {
	var filePath string
	for _, result := range jctx.ChildResults() {
		if m, ok := result.(map[string]interface{}); ok {
			if p, ok := m["filePath"].(string); ok {
				filePath = p
			}
		}
	}
	if filePath == "" {
		if p, ok := job.Payload["filePath"].(string); ok {
			filePath = p
		}
	}
	if filePath == "" {
		return nil, fmt.Errorf("no input file from children or payload")
	}

	if err := jctx.UpdateProgress(100); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"watermarkedPath": filePath + ".watermarked.mp4",
	}, nil
}
