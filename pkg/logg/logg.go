package logg

// Structured log field names shared across layers.
const (
	Layer     = "layer"
	Operation = "operation"
	URL       = "url"
	Selector  = "selector"
	Step      = "step"
	ItemID    = "item_id"
	SessionID = "session_id"
	Status    = "status"
	Path      = "path"
)
