package audit

// Decision values recorded by the relay.
const (
	DecisionRejected   = "rejected"
	DecisionDispatched = "dispatched"
	DecisionFulfilled  = "fulfilled"
	DecisionFaulted    = "faulted"
	DecisionEvicted    = "evicted"
	DecisionDropped    = "dropped"
)

// Entry is one line in the hash-chained JSONL audit log.
// Fields are plain strings and ints (no map[string]any) so json.Marshal
// output is stable and the chain hash is reproducible. RequestID is the id
// the page sees in its reply; CorrelationID is the key the backend received
// for the same call.
type Entry struct {
	Timestamp     string `json:"ts"`
	RequestID     string `json:"request_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Origin        string `json:"origin"`
	Method        string `json:"method"`
	Decision      string `json:"decision"`
	Reason        string `json:"reason,omitempty"`
	FaultCode     int    `json:"fault_code,omitempty"`
	PolicyHash    string `json:"policy_hash"`
	PrevHash      string `json:"prev_hash"`
}

// Recorder accepts audit entries. *Log implements it.
type Recorder interface {
	Record(Entry) error
}

// Nop discards every entry.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(Entry) error { return nil }
