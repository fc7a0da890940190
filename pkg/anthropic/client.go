// Package anthropic sends a single image question to Claude and returns the
// text reply with its token usage.
package anthropic

import (
	"context"
	"encoding/base64"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
)

// Client asks Claude about one image.
type Client interface {
	AskImage(ctx context.Context, q ImageQuery) (*Reply, error)
}

// ImageQuery is one screenshot plus the instructions for reading it.
type ImageQuery struct {
	Model     string
	MaxTokens int64
	// System is sent as a cacheable system block when non-empty.
	System    string
	Prompt    string
	MediaType string // "image/png" or "image/jpeg"
	Image     []byte
	// Temperature is left to the API default when nil.
	Temperature *float64
}

// Reply is the concatenated text answer.
type Reply struct {
	ID           string
	Model        string
	Text         string
	StopReason   string
	InputTokens  int64
	OutputTokens int64
}

type sdkClient struct {
	client sdk.Client
}

// NewClient creates a Client backed by the SDK. Extra request options (base
// URL, retries, timeouts) are passed through.
func NewClient(apiKey string, opts ...option.RequestOption) Client {
	all := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &sdkClient{client: sdk.NewClient(all...)}
}

func (c *sdkClient) AskImage(ctx context.Context, q ImageQuery) (*Reply, error) {
	if len(q.Image) == 0 {
		return nil, eris.New("anthropic: empty image")
	}
	msg, err := c.client.Messages.New(ctx, buildParams(q))
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: ask image")
	}
	return toReply(msg), nil
}

// buildParams puts the image ahead of the prompt, which is how the API
// recommends ordering vision input.
func buildParams(q ImageQuery) sdk.MessageNewParams {
	mediaType := q.MediaType
	if mediaType == "" {
		mediaType = "image/png"
	}
	blocks := []sdk.ContentBlockParamUnion{
		sdk.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(q.Image)),
	}
	if q.Prompt != "" {
		blocks = append(blocks, sdk.NewTextBlock(q.Prompt))
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(q.Model),
		MaxTokens: q.MaxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(blocks...)},
	}
	if q.System != "" {
		params.System = []sdk.TextBlockParam{{
			Text:         q.System,
			CacheControl: sdk.NewCacheControlEphemeralParam(),
		}}
	}
	if q.Temperature != nil {
		params.Temperature = sdk.Float(*q.Temperature)
	}
	return params
}

func toReply(msg *sdk.Message) *Reply {
	var text strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}
	return &Reply{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Text:         text.String(),
		StopReason:   string(msg.StopReason),
		InputTokens:  msg.Usage.InputTokens + msg.Usage.CacheCreationInputTokens + msg.Usage.CacheReadInputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}
}
