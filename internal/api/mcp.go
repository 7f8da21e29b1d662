package api

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/2oby/orac-core/internal/backend"
	"github.com/2oby/orac-core/internal/pipeline"
	"github.com/2oby/orac-core/internal/topic"
)

// mcpHandler assembles the MCP tool surface. The tools go through the same
// pipeline and stores as the REST handlers, so an agent issuing run_command
// gets identical semantics to a satellite posting to /v1/generate.
func (s *Server) mcpHandler() http.Handler {
	server := mcp.NewServer(&mcp.Implementation{Name: "orac-core", Version: s.cfg.Version}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_command",
		Description: "Run a natural-language home automation command through ORAC: grammar-constrained inference plus dispatch to the linked backend.",
	}, s.mcpRunCommand)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_devices",
		Description: "List the spoken device and location vocabulary of each configured backend.",
	}, s.mcpListDevices)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_topics",
		Description: "List the configured topics with their model, backend link, and heartbeat liveness.",
	}, s.mcpListTopics)

	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
}

type runCommandArgs struct {
	Command string `json:"command"`
	Topic   string `json:"topic,omitempty"`
}

type runCommandResult struct {
	Status       string `json:"status"`
	ResponseText string `json:"response_text"`
	CacheHit     bool   `json:"cache_hit,omitempty"`
	Dispatched   bool   `json:"dispatched,omitempty"`
	DispatchOK   bool   `json:"dispatch_ok,omitempty"`
	Message      string `json:"message,omitempty"`
}

func (s *Server) mcpRunCommand(ctx context.Context, _ *mcp.CallToolRequest, args runCommandArgs) (*mcp.CallToolResult, runCommandResult, error) {
	if strings.TrimSpace(args.Command) == "" {
		return nil, runCommandResult{}, fmt.Errorf("command is required")
	}
	topicID := args.Topic
	if topicID == "" {
		topicID = topic.GeneralTopicID
	}

	resp, err := s.pipe.Run(ctx, pipeline.Request{TopicID: topicID, Prompt: args.Command})
	if err != nil {
		return nil, runCommandResult{}, err
	}

	out := runCommandResult{
		Status:       resp.Status,
		ResponseText: resp.ResponseText,
		CacheHit:     resp.CacheHit,
	}
	if resp.Dispatch != nil {
		out.Dispatched = true
		out.DispatchOK = resp.Dispatch.Success
		out.Message = resp.Dispatch.Message
		if out.Message == "" {
			out.Message = resp.Dispatch.Error
		}
	}
	return nil, out, nil
}

type listDevicesArgs struct {
	BackendID string `json:"backend_id,omitempty"`
}

type deviceVocabulary struct {
	BackendID string   `json:"backend_id"`
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Devices   []string `json:"devices"`
	Locations []string `json:"locations"`
}

type listDevicesResult struct {
	Backends []deviceVocabulary `json:"backends"`
}

func (s *Server) mcpListDevices(ctx context.Context, _ *mcp.CallToolRequest, args listDevicesArgs) (*mcp.CallToolResult, listDevicesResult, error) {
	var recs []*backend.Record
	if args.BackendID != "" {
		rec, err := s.store.Get(ctx, args.BackendID)
		if err != nil {
			return nil, listDevicesResult{}, err
		}
		recs = []*backend.Record{rec}
	} else {
		var err error
		recs, err = s.store.List(ctx)
		if err != nil {
			return nil, listDevicesResult{}, err
		}
	}

	out := listDevicesResult{Backends: make([]deviceVocabulary, 0, len(recs))}
	for _, rec := range recs {
		devices := make(map[string]struct{})
		locations := make(map[string]struct{})
		for _, m := range rec.EligibleMappings() {
			devices[m.DeviceType] = struct{}{}
			locations[m.Location] = struct{}{}
		}
		out.Backends = append(out.Backends, deviceVocabulary{
			BackendID: rec.ID,
			Name:      rec.Name,
			Type:      rec.Type,
			Devices:   slices.Sorted(maps.Keys(devices)),
			Locations: slices.Sorted(maps.Keys(locations)),
		})
	}
	return nil, out, nil
}

type listTopicsArgs struct{}

type topicSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	Model     string `json:"model,omitempty"`
	BackendID string `json:"backend_id,omitempty"`
	Liveness  string `json:"liveness"`
}

type listTopicsResult struct {
	Topics []topicSummary `json:"topics"`
}

func (s *Server) mcpListTopics(_ context.Context, _ *mcp.CallToolRequest, _ listTopicsArgs) (*mcp.CallToolResult, listTopicsResult, error) {
	all := s.topics.List()
	out := listTopicsResult{Topics: make([]topicSummary, 0, len(all))}
	for _, t := range all {
		out.Topics = append(out.Topics, topicSummary{
			ID:        t.ID,
			Name:      t.Name,
			Enabled:   t.Enabled,
			Model:     t.Model,
			BackendID: t.BackendID,
			Liveness:  string(s.topics.Liveness(t)),
		})
	}
	return nil, out, nil
}
