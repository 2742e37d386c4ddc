package conversation

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haasonsaas/chatsubmit/pkg/models"
)

// DefaultCarryOver is the number of tool calls remembered for rebuilding
// headers of orphaned tool results.
const DefaultCarryOver = 64

const (
	unknownToolName = "unknown"
	emptyArguments  = "{}"
)

// Reorderer restores the adjacency providers require between an assistant
// message that requests tools and the tool messages answering it.
//
// It remembers recently seen tool calls across runs, so a result whose
// header was dropped (for instance by compression) gets its original name
// and arguments back. A Reorderer is safe for concurrent use.
type Reorderer struct {
	seen *lru.Cache[string, models.ToolCall]
}

// NewReorderer creates a Reorderer remembering up to size tool calls.
func NewReorderer(size int) *Reorderer {
	if size <= 0 {
		size = DefaultCarryOver
	}
	seen, err := lru.New[string, models.ToolCall](size)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &Reorderer{seen: seen}
}

// Reorder runs a single pass with a fresh carry-over map.
func Reorder(messages []*models.Message) []*models.Message {
	return NewReorderer(DefaultCarryOver).Reorder(messages)
}

// Reorder returns a new list in which every assistant tool-call message is
// immediately followed by its results, in call order. Input messages are
// never modified.
//
//   - Calls without a result are removed from their header; a header left
//     with no calls survives only if it has content.
//   - Tool messages that no header claims get one synthesized assistant
//     header per contiguous run.
//
// The result is a fixed point: reordering it again yields the same list.
func (r *Reorderer) Reorder(messages []*models.Message) []*models.Message {
	out := make([]*models.Message, 0, len(messages)+2)

	for i := 0; i < len(messages); {
		msg := messages[i]
		switch {
		case msg == nil:
			i++

		case msg.Role == models.RoleAssistant && msg.HasToolCalls():
			for _, call := range msg.ToolCalls {
				if call.ID != "" {
					r.seen.Add(call.ID, call)
				}
			}
			j := i + 1
			for j < len(messages) && messages[j] != nil && messages[j].Role == models.RoleTool {
				j++
			}
			out = append(out, r.pair(msg, messages[i+1:j])...)
			i = j

		case msg.Role == models.RoleTool:
			j := i
			for j < len(messages) && messages[j] != nil && messages[j].Role == models.RoleTool {
				j++
			}
			out = append(out, r.synthesize(messages[i:j])...)
			i = j

		default:
			out = append(out, msg)
			i++
		}
	}
	return out
}

// pair emits header filtered to answered calls, then the answers in call
// order, then any leftovers under a synthesized header.
func (r *Reorderer) pair(header *models.Message, results []*models.Message) []*models.Message {
	byID := make(map[string]*models.Message, len(results))
	for _, res := range results {
		if res.ToolCallID == "" {
			continue
		}
		if _, dup := byID[res.ToolCallID]; !dup {
			byID[res.ToolCallID] = res
		}
	}

	var out []*models.Message
	kept := make([]models.ToolCall, 0, len(header.ToolCalls))
	claimed := make(map[string]bool, len(header.ToolCalls))
	for _, call := range header.ToolCalls {
		if _, ok := byID[call.ID]; ok && !claimed[call.ID] {
			kept = append(kept, call)
			claimed[call.ID] = true
		}
	}

	switch {
	case len(kept) == len(header.ToolCalls):
		out = append(out, header)
	case len(kept) > 0:
		filtered := header.Clone()
		filtered.ToolCalls = kept
		out = append(out, filtered)
	case header.HasContent():
		stripped := header.Clone()
		stripped.ToolCalls = nil
		out = append(out, stripped)
	}
	for _, call := range kept {
		out = append(out, byID[call.ID])
	}

	var leftovers []*models.Message
	for _, res := range results {
		if !claimed[res.ToolCallID] {
			leftovers = append(leftovers, res)
		}
	}
	return append(out, r.synthesize(leftovers)...)
}

// synthesize builds one assistant header for a run of unclaimed tool
// messages. Results without an id cannot be paired and are dropped, as are
// repeated ids.
func (r *Reorderer) synthesize(run []*models.Message) []*models.Message {
	var (
		calls   []models.ToolCall
		results []*models.Message
		seen    = make(map[string]bool, len(run))
	)
	for _, res := range run {
		if res.ToolCallID == "" || seen[res.ToolCallID] {
			continue
		}
		seen[res.ToolCallID] = true
		call, ok := r.seen.Get(res.ToolCallID)
		if !ok {
			call = models.ToolCall{ID: res.ToolCallID, Name: res.Name, Arguments: emptyArguments}
			if call.Name == "" {
				call.Name = unknownToolName
			}
		}
		calls = append(calls, call)
		results = append(results, res)
	}
	if len(calls) == 0 {
		return nil
	}

	header := &models.Message{
		ChatID:    results[0].ChatID,
		ChatUUID:  results[0].ChatUUID,
		Role:      models.RoleAssistant,
		ToolCalls: calls,
	}
	return append([]*models.Message{header}, results...)
}
