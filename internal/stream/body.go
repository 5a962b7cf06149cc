package stream

// Type names an event variant on the wire.
type Type string

// Event types.
const (
	TypeThinking    Type = "thinking"
	TypeToken       Type = "token"
	TypeToolCall    Type = "tool_call"
	TypeToolResult  Type = "tool_result"
	TypeObservation Type = "observation"
	TypeRAGContext  Type = "rag_context"
	TypeDone        Type = "done"
	TypeError       Type = "error"
)

// Body is the payload of an event. The set of implementations is closed:
// only the types in this package satisfy it.
type Body interface {
	Type() Type
	sealed()
}

// Thinking is a fragment of model reasoning. Kind says where it came
// from, for example "reasoning" for a dedicated thinking channel.
type Thinking struct {
	Token string `json:"token"`
	Kind  string `json:"kind"`
}

// Token is a fragment of the model's answer.
type Token struct {
	Text string `json:"text"`
}

// ToolCall announces a dispatched invocation.
type ToolCall struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ArgsSummary string `json:"args_summary"`
}

// ToolResult carries an invocation's raw outcome.
type ToolResult struct {
	ID      string `json:"id"`
	Payload string `json:"payload"`
	IsError bool   `json:"is_error,omitempty"`
}

// Observation is the formatted text reinjected into the conversation
// for an invocation.
type Observation struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Chunk is one retrieved context passage.
type Chunk struct {
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// RAGContext lists the retrieved passages prefixed to the conversation.
type RAGContext struct {
	Chunks []Chunk `json:"chunks"`
}

// Done ends a turn normally. Truncated is set when the iteration cap
// forced the end.
type Done struct {
	Iterations int    `json:"iterations"`
	Truncated  bool   `json:"truncated,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Error ends a turn on an unrecoverable failure.
type Error struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

func (Thinking) Type() Type    { return TypeThinking }
func (Token) Type() Type       { return TypeToken }
func (ToolCall) Type() Type    { return TypeToolCall }
func (ToolResult) Type() Type  { return TypeToolResult }
func (Observation) Type() Type { return TypeObservation }
func (RAGContext) Type() Type  { return TypeRAGContext }
func (Done) Type() Type        { return TypeDone }
func (Error) Type() Type       { return TypeError }

func (Thinking) sealed()    {}
func (Token) sealed()       {}
func (ToolCall) sealed()    {}
func (ToolResult) sealed()  {}
func (Observation) sealed() {}
func (RAGContext) sealed()  {}
func (Done) sealed()        {}
func (Error) sealed()       {}

// terminal reports whether b ends the stream.
func terminal(b Body) bool {
	switch b.(type) {
	case Done, Error:
		return true
	}
	return false
}

// Handler receives each event variant. Implementations must handle all
// of them; [Dispatch] never silently drops one.
type Handler interface {
	Thinking(seq uint64, b Thinking) error
	Token(seq uint64, b Token) error
	ToolCall(seq uint64, b ToolCall) error
	ToolResult(seq uint64, b ToolResult) error
	Observation(seq uint64, b Observation) error
	RAGContext(seq uint64, b RAGContext) error
	Done(seq uint64, b Done) error
	Error(seq uint64, b Error) error
}

// Dispatch calls the Handler method for e's variant.
func Dispatch(e Event, h Handler) error {
	switch b := e.Body.(type) {
	case Thinking:
		return h.Thinking(e.Seq, b)
	case Token:
		return h.Token(e.Seq, b)
	case ToolCall:
		return h.ToolCall(e.Seq, b)
	case ToolResult:
		return h.ToolResult(e.Seq, b)
	case Observation:
		return h.Observation(e.Seq, b)
	case RAGContext:
		return h.RAGContext(e.Seq, b)
	case Done:
		return h.Done(e.Seq, b)
	case Error:
		return h.Error(e.Seq, b)
	default:
		panic("stream: unhandled body type")
	}
}
