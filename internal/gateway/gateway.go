// Package gateway wraps the Bedrock runtime behind one request operation.
//
// It validates and resolves a model identifier plus region, lazily builds
// one client per region, and exposes Invoke: prompt in, text plus usage
// telemetry out. Structured output is requested through a forced tool with
// a JSON schema; models that reject tool configs surface a typed error the
// caller can retry without the schema.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"go.uber.org/zap"
)

// ModelSpec is a resolved model identifier and the region serving it.
type ModelSpec struct {
	ID     string
	Region string
}

// Configured reports whether the model can place calls.
func (m ModelSpec) Configured() bool { return m.ID != "" && m.Region != "" }

// ResolveModel validates a model id and resolves the region it must be
// invoked in. Precedence: explicit override, region encoded in an ARN,
// inference-profile geo prefix, then the default region.
func ResolveModel(modelID, regionOverride, defaultRegion string) (ModelSpec, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return ModelSpec{}, fmt.Errorf("model id is empty")
	}

	region := strings.TrimSpace(regionOverride)
	if region == "" && strings.HasPrefix(modelID, "arn:") {
		// arn:aws:bedrock:REGION:account:...
		parts := strings.SplitN(modelID, ":", 5)
		if len(parts) >= 4 && parts[3] != "" {
			region = parts[3]
		}
	}
	if region == "" {
		switch {
		case strings.HasPrefix(modelID, "us."):
			region = "us-east-1"
		case strings.HasPrefix(modelID, "eu."):
			region = "eu-central-1"
		case strings.HasPrefix(modelID, "apac."):
			region = "ap-south-1"
		}
	}
	if region == "" {
		region = strings.TrimSpace(defaultRegion)
	}
	if region == "" {
		return ModelSpec{}, fmt.Errorf("no region resolvable for model %s", modelID)
	}
	return ModelSpec{ID: modelID, Region: region}, nil
}

// SchemaSpec asks for structured output matching a JSON schema.
type SchemaSpec struct {
	Name        string
	Description string
	// Schema is a JSON-schema document (maps, slices, scalars).
	Schema map[string]any
}

// Request is one model invocation.
type Request struct {
	Model       ModelSpec
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float32
	Schema      *SchemaSpec
}

// Usage is the token telemetry of one invocation.
type Usage struct {
	InputTokens  int32
	OutputTokens int32
	TotalTokens  int32
}

// Result is the gateway's answer. Text carries either the model prose or,
// for structured requests, the tool input serialised back to JSON.
type Result struct {
	Text       string
	StopReason string
	Usage      Usage
	Latency    time.Duration
}

// TruncatedByTokens reports whether the model stopped at the token cap.
func (r Result) TruncatedByTokens() bool {
	return r.StopReason == string(types.StopReasonMaxTokens)
}

// Invoker is the caller-facing surface; the reasoner depends on this
// interface so tests can substitute a fake.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// Gateway lazily builds one Bedrock runtime client per region.
type Gateway struct {
	log *zap.Logger

	mu      sync.Mutex
	clients map[string]*bedrockruntime.Client
}

// New builds an empty gateway; clients are constructed on first use per
// region.
func New(log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		log:     log,
		clients: make(map[string]*bedrockruntime.Client),
	}
}

// Invoke places one Converse call. The context carries the deadline; the
// caller owns timeout policy.
func (g *Gateway) Invoke(ctx context.Context, req Request) (Result, error) {
	if !req.Model.Configured() {
		return Result{}, fmt.Errorf("gateway: model not configured")
	}
	client, err := g.clientFor(ctx, req.Model.Region)
	if err != nil {
		return Result{}, err
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(req.Model.ID),
		Messages: []types.Message{{
			Role: types.ConversationRoleUser,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: req.Prompt},
			},
		}},
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}
	inference := &types.InferenceConfiguration{}
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}
	if req.Temperature > 0 {
		inference.Temperature = aws.Float32(req.Temperature)
	}
	input.InferenceConfig = inference

	if req.Schema != nil {
		name := req.Schema.Name
		if name == "" {
			name = "emit_structured_output"
		}
		spec := types.ToolSpecification{
			Name:        aws.String(name),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(req.Schema.Schema)},
		}
		if req.Schema.Description != "" {
			spec.Description = aws.String(req.Schema.Description)
		}
		input.ToolConfig = &types.ToolConfiguration{
			Tools: []types.Tool{&types.ToolMemberToolSpec{Value: spec}},
			ToolChoice: &types.ToolChoiceMemberTool{
				Value: types.SpecificToolChoice{Name: aws.String(name)},
			},
		}
	}

	start := time.Now()
	out, err := client.Converse(ctx, input)
	latency := time.Since(start)
	if err != nil {
		g.log.Debug("bedrock converse failed",
			zap.String("model", req.Model.ID),
			zap.String("region", req.Model.Region),
			zap.Duration("latency", latency),
			zap.Error(err))
		return Result{Latency: latency}, err
	}

	res := Result{
		StopReason: string(out.StopReason),
		Latency:    latency,
	}
	if out.Usage != nil {
		res.Usage = Usage{
			InputTokens:  aws.ToInt32(out.Usage.InputTokens),
			OutputTokens: aws.ToInt32(out.Usage.OutputTokens),
			TotalTokens:  aws.ToInt32(out.Usage.TotalTokens),
		}
	}
	if msg, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		res.Text = extractText(msg.Value.Content)
	}

	g.log.Debug("bedrock converse completed",
		zap.String("model", req.Model.ID),
		zap.String("stop_reason", res.StopReason),
		zap.Int32("input_tokens", res.Usage.InputTokens),
		zap.Int32("output_tokens", res.Usage.OutputTokens),
		zap.Duration("latency", latency))
	return res, nil
}

// extractText flattens content blocks. A forced-tool response carries its
// payload as the tool input document, which serialises straight back to
// the JSON the caller asked for.
func extractText(blocks []types.ContentBlock) string {
	var b strings.Builder
	for _, blk := range blocks {
		switch v := blk.(type) {
		case *types.ContentBlockMemberText:
			b.WriteString(v.Value)
		case *types.ContentBlockMemberToolUse:
			if v.Value.Input == nil {
				continue
			}
			raw, err := v.Value.Input.MarshalSmithyDocument()
			if err != nil {
				continue
			}
			b.Write(raw)
		}
	}
	return b.String()
}

func (g *Gateway) clientFor(ctx context.Context, region string) (*bedrockruntime.Client, error) {
	g.mu.Lock()
	if c, ok := g.clients[region]; ok {
		g.mu.Unlock()
		return c, nil
	}
	g.mu.Unlock()

	// Config loading may do file and network IO; build outside the lock.
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config for region %s: %w", region, err)
	}
	client := bedrockruntime.NewFromConfig(awsCfg)

	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[region]; ok {
		return c, nil
	}
	g.clients[region] = client
	return client, nil
}
