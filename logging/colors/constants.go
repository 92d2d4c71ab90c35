package colors

// Color is an ANSI SGR code.
// The values match zerolog's console writer: https://github.com/rs/zerolog/blob/4fff5db29c3403bc26dee9895e12a108aacc0203/console.go
type Color int

const (
	RED    Color = 31
	GREEN  Color = 32
	YELLOW Color = 33
	BLUE   Color = 34
	CYAN   Color = 36

	// BOLD is the ANSI code for bold text
	BOLD Color = 1
	// DARK_GRAY is the ANSI code for dark gray
	DARK_GRAY Color = 90
)

// LEFT_ARROW prefixes the unstructured info of a console log line.
const LEFT_ARROW = "⇾"
