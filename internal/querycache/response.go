package querycache

// ResponseType is the wire-level classification of a fill_response
// outcome.
type ResponseType string

const (
	SuccessAtom      ResponseType = "SUCCESS_ATOM"
	SuccessSequence  ResponseType = "SUCCESS_SEQUENCE"
	SuccessPartial   ResponseType = "SUCCESS_PARTIAL"
	ClientErrorType  ResponseType = "CLIENT_ERROR"
	CompileErrorType ResponseType = "COMPILE_ERROR"
	RuntimeErrorType ResponseType = "RUNTIME_ERROR"
)

// Note is a protocol annotation attached to a response.
type Note string

const (
	NoteSequenceFeed Note = "SEQUENCE_FEED"
	NoteAtomFeed     Note = "ATOM_FEED"
	NoteOrderByLimit Note = "ORDER_BY_LIMIT_FEED"
	NoteUnionedFeed  Note = "UNIONED_FEED"
)

// Response is the output record populated by Ref.FillResponse.
type Response struct {
	Type    ResponseType
	Data    interface{} // datum or []interface{} of datums
	Notes   []Note
	Profile interface{} // optional profile datum; nil unless profiling
}
