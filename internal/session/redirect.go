package session

import (
	"github.com/pkg/browser"

	"platesolver/internal/prompt"
)

// Opener shows url to the user, normally in a browser tab.
type Opener func(url string) error

// DefaultOpener opens the system browser.
var DefaultOpener Opener = browser.OpenURL

// Redirect asks whether to open url and opens it iff the answer starts
// with y. A browser that fails to start is reported, not returned.
func Redirect(p *prompt.Prompter, open Opener, url string) (bool, error) {
	p.Printf("\nWould you like to be %s to: %s ?\n", prompt.Em("redirected"), url)
	answer, err := prompt.AskString(p, "(y/n): ", "Please answer y or n.")
	if err != nil {
		return false, err
	}
	if !prompt.Affirmative(answer) {
		p.Println("\nContinuing...")
		return false, nil
	}
	if err := open(url); err != nil {
		p.Printf("\nCould not open a browser (%v). The address is %s\n", err, url)
		return false, nil
	}
	return true, nil
}
