package session

import (
	"context"
	"errors"
	"text/tabwriter"

	"platesolver/internal/catalog"
	"platesolver/internal/prompt"
)

// Catalog resolves target names and knows the pages to fall back to.
type Catalog interface {
	Lookup(ctx context.Context, name string) (catalog.Entry, error)
	SearchURL() string
	FallbackURL(name string) string
}

// LookupTarget asks for a target name (unless name is given), prints what
// the catalog knows and offers the search page. When the lookup fails the
// identifier page for the name is opened without asking. ok is false when
// nothing was found.
func LookupTarget(ctx context.Context, p *prompt.Prompter, cat Catalog, open Opener, name string) (entry catalog.Entry, ok bool, err error) {
	p = p.WithContext(ctx)
	if name == "" {
		p.Printf("\nTo find the %s of your target, please put it in here.\n", prompt.Em("RA and Dec"))
		p.Println("If your target can't be found, you will be sent to the catalog website to try again.")
		if name, err = prompt.AskString(p, "\nTarget name: ", ""); err != nil {
			return catalog.Entry{}, false, err
		}
	}

	entry, err = cat.Lookup(ctx, name)
	switch {
	case err == nil:
		printEntry(p, entry)
		if _, err := Redirect(p, open, cat.SearchURL()); err != nil {
			return entry, true, err
		}
		return entry, true, nil
	case errors.Is(err, catalog.ErrNotFound):
		p.Printf("\n%s could not be found in the catalog. Opening the search page instead.\n", prompt.Em(name))
	case errors.Is(err, catalog.ErrTransport):
		p.Printf("\nThe catalog service could not be reached (%v). Opening the search page instead.\n", err)
	default:
		return catalog.Entry{}, false, err
	}

	fallback := cat.FallbackURL(name)
	if openErr := open(fallback); openErr != nil {
		p.Printf("Could not open a browser (%v). The address is %s\n", openErr, fallback)
	}
	return catalog.Entry{}, false, nil
}

func printEntry(p *prompt.Prompter, e catalog.Entry) {
	p.Printf("\n%s\n", prompt.OK(e.Name))
	tw := tabwriter.NewWriter(p.Out(), 0, 4, 2, ' ', 0)
	for _, f := range e.Fields {
		tw.Write([]byte("  " + f.Name + "\t" + f.Value + "\n"))
	}
	tw.Flush()
	if pos, ok := e.Position(); ok {
		p.Printf("  position   %s\n", pos)
	}
}
