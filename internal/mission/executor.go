package mission

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bloq-ai/crewd/internal/llm"
	"github.com/bloq-ai/crewd/internal/social"
)

// Executor runs one step kind. The payload is the step's JSON payload; the
// returned output is a JSON object string merged into the next step by
// chaining. An error marks the step failed; there are no automatic retries.
type Executor func(ctx context.Context, payload string) (output string, err error)

// Registry maps step kinds to executors. Dispatch of an unknown kind is an
// immediate, deterministic step failure.
type Registry struct {
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

func (r *Registry) Register(kind string, e Executor) {
	r.executors[kind] = e
}

func (r *Registry) Get(kind string) (Executor, bool) {
	e, ok := r.executors[kind]
	return e, ok
}

// RegisterBuiltins wires the standard scan → draft → post pipeline over the
// external collaborators.
func (r *Registry) RegisterBuiltins(client llm.Client, publisher social.Publisher) {
	r.Register("scan", NewScanExecutor(client))
	r.Register("draft", NewDraftExecutor(client))
	r.Register("post", NewPostExecutor(publisher))
}

// NewScanExecutor asks the model to analyze the payload's subject and
// returns its structured findings.
func NewScanExecutor(client llm.Client) Executor {
	return func(ctx context.Context, payload string) (string, error) {
		text, err := client.Complete(ctx, llm.Request{
			System: "You analyze the given subject and reply with a single JSON object of findings. No prose.",
			Prompt: fmt.Sprintf("Analyze this work item and summarize what is noteworthy:\n%s", payload),
		})
		if err != nil {
			return "", fmt.Errorf("scan call: %w", err)
		}
		out := llm.ExtractJSON(text)
		if out == "" {
			return "", fmt.Errorf("scan returned no structured output")
		}
		return out, nil
	}
}

// NewDraftExecutor turns scan findings into post content.
func NewDraftExecutor(client llm.Client) Executor {
	return func(ctx context.Context, payload string) (string, error) {
		text, err := client.Complete(ctx, llm.Request{
			System:      "You draft one short social post from the given findings. Reply with a JSON object {\"content\": \"...\"}.",
			Prompt:      payload,
			Temperature: 0.7,
		})
		if err != nil {
			return "", fmt.Errorf("draft call: %w", err)
		}
		out := llm.ExtractJSON(text)
		if out == "" {
			return "", fmt.Errorf("draft returned no structured output")
		}
		var draft struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(out), &draft); err != nil {
			return "", fmt.Errorf("decode draft output: %w", err)
		}
		if draft.Content == "" {
			return "", fmt.Errorf("draft produced empty content")
		}
		return out, nil
	}
}

// NewPostExecutor publishes drafted content through the platform publisher.
func NewPostExecutor(publisher social.Publisher) Executor {
	return func(ctx context.Context, payload string) (string, error) {
		var in struct {
			Content  string   `json:"content"`
			MediaIDs []string `json:"media_ids"`
		}
		if err := json.Unmarshal([]byte(payload), &in); err != nil {
			return "", fmt.Errorf("decode post payload: %w", err)
		}
		if in.Content == "" {
			return "", fmt.Errorf("post payload has no content")
		}
		postID, err := publisher.Publish(ctx, social.Post{Content: in.Content, MediaIDs: in.MediaIDs})
		if err != nil {
			return "", fmt.Errorf("publish: %w", err)
		}
		out, _ := json.Marshal(map[string]string{"post_id": postID})
		return string(out), nil
	}
}
