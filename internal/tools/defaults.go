package tools

import "github.com/backlinehq/backline/internal/store"

// DefaultRegistry wires the full tool surface: record reads, the
// restricted write, outbound messaging, schema introspection and text
// search.
func DefaultRegistry(records store.RecordStore, sender Sender) *Registry {
	return NewRegistry(
		NewRecordsQueryTool(records),
		NewRecordsGetTool(records),
		NewRecordsWriteTool(records),
		NewSendMessageTool(sender),
		NewSchemaDescribeTool(records),
		NewSearchTextTool(records),
	)
}
