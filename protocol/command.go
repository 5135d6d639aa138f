package protocol

// Verb is a three-letter MSNP command name.
type Verb string

// Client commands.
const (
	VER Verb = "VER"
	CVR Verb = "CVR"
	USR Verb = "USR"
	SYN Verb = "SYN"
	CHG Verb = "CHG"
	LST Verb = "LST"
	ADD Verb = "ADD"
	REM Verb = "REM"
	MSG Verb = "MSG"
	CAL Verb = "CAL"
	ANS Verb = "ANS"
	PNG Verb = "PNG"
	QNG Verb = "QNG"
	OUT Verb = "OUT"
)

// Server-only event verbs.
const (
	ACK Verb = "ACK"
	ILN Verb = "ILN"
	NLN Verb = "NLN"
	FLN Verb = "FLN"
	RNG Verb = "RNG"
	JOI Verb = "JOI"
)

// Command is a single decoded protocol line.
//
// TRID is the client-assigned transaction id, empty for commands that do
// not carry one (PNG, OUT) and for asynchronous server events. Payload is
// only set for verbs that declare a trailing byte count (MSG).
type Command struct {
	Verb    Verb
	TRID    string
	Args    []string
	Payload []byte
}

// Arg returns the i-th argument, or "" when the command is shorter.
func (c *Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}

	return c.Args[i]
}

// Code is a numeric error reply sent as `<code> <trid>`.
type Code int

const (
	CodeSyntaxError      Code = 200
	CodeInvalidParameter Code = 201
	CodeAlreadyOnList    Code = 215
	CodeNotOnList        Code = 216
	CodeNotOnline        Code = 217
	CodeInternalError    Code = 500
	CodeNotExpected      Code = 715
	CodeAuthFailed       Code = 911
)
