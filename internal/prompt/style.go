package prompt

import "github.com/gookit/color"

var (
	emphasis = color.Style{color.FgBlue, color.OpBold}
	failure  = color.Style{color.FgRed, color.OpBold}
	success  = color.Style{color.FgGreen}
)

// Em highlights a word inside a console message.
func Em(s string) string { return emphasis.Sprint(s) }

// Fail renders a failure word.
func Fail(s string) string { return failure.Sprint(s) }

// OK renders a success word.
func OK(s string) string { return success.Sprint(s) }

// Rule is the separator printed around blocks of instructions.
const Rule = "-------------------------------------------------------"
