package fsutil

import (
	"context"
	"os"
	"strconv"
	"strings"

	"platesolver/internal/config"
	"platesolver/internal/prompt"
)

// Resolver asks for an image path until it gets one the solver accepts.
type Resolver struct {
	p *prompt.Prompter
}

// NewResolver returns a Resolver that talks through p.
func NewResolver(p *prompt.Prompter) *Resolver {
	return &Resolver{p: p}
}

// Resolve accepts a file or a directory. For a directory the matching images
// are listed and the user picks one by number or path; a directory without
// matches asks for a new path.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	p := r.p.WithContext(ctx)
	for {
		p.Println("\n" + prompt.Rule)
		p.Println("What is the path to the image file or directory?")
		p.Printf("Supported files end in %s\n", strings.Join(SupportedExtensions(), ", "))
		p.Println(prompt.Rule)

		raw, err := prompt.AskString(p, "\n: ", "")
		if err != nil {
			return "", err
		}
		path, err := config.ExpandUser(raw)
		if err != nil {
			return "", err
		}

		info, err := os.Stat(path)
		if err != nil {
			p.Printf("\n%s does not exist, please try again.\n", path)
			continue
		}

		if !info.IsDir() {
			if !IsSolvableImage(path) {
				p.Printf("\nSorry, %s is not a supported image.\n", path)
				continue
			}
			p.Printf("\n%s\n", path)
			return path, nil
		}

		files, err := ListImages(path)
		if err != nil {
			p.Printf("\nCould not read %s: %v\n", path, err)
			continue
		}
		if len(files) == 0 {
			p.Printf("\nNo supported images in %s, please give another path.\n", path)
			continue
		}
		for i, f := range files {
			p.Printf("\nFile %d:\n%s\n", i+1, f)
		}
		return r.pick(p, files)
	}
}

func (r *Resolver) pick(p *prompt.Prompter, files []string) (string, error) {
	p.Println("\n" + prompt.Rule)
	p.Printf("Which %s would you like to %s? (a number or one of the paths above)\n", prompt.Em("image"), prompt.Em("upload"))
	for {
		choice, err := prompt.AskString(p, ": ", "")
		if err != nil {
			return "", err
		}
		if n, err := strconv.Atoi(choice); err == nil && n >= 1 && n <= len(files) {
			return files[n-1], nil
		}
		path, err := config.ExpandUser(choice)
		if err != nil {
			return "", err
		}
		if IsRegularFile(path) && IsSolvableImage(path) {
			return path, nil
		}
		p.Printf("\nPlease %s the path, the one you gave was invalid.\n", prompt.Em("re-enter"))
	}
}
