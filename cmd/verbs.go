package cmd

import (
	"path/filepath"
	"strconv"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/andreasjansson/plwr/internal/protocol"
)

// verbSpec describes the command line of one verb.
type verbSpec struct {
	verb  protocol.Verb
	use   string
	short string
	args  cobra.PositionalArgs
	flags func(fs *pflag.FlagSet)
	build func(args []string, fs *pflag.FlagSet) (protocol.Args, error)
}

func selectorArgs(args []string, _ *pflag.FlagSet) (protocol.Args, error) {
	return protocol.Args{Selector: args[0]}, nil
}

func selectorVerb(verb protocol.Verb, short string) verbSpec {
	return verbSpec{verb: verb, use: string(verb) + " <selector>", short: short, args: cobra.ExactArgs(1), build: selectorArgs}
}

func verbSpecs() []verbSpec {
	return []verbSpec{
		{
			verb:  protocol.VerbOpen,
			use:   "open <url>",
			short: "Navigate to a URL",
			args:  cobra.ExactArgs(1),
			build: func(args []string, _ *pflag.FlagSet) (protocol.Args, error) { return protocol.Args{URL: args[0]}, nil },
		},
		{verb: protocol.VerbReload, use: "reload", short: "Reload the current page", args: cobra.NoArgs},
		{verb: protocol.VerbURL, use: "url", short: "Print the current page URL", args: cobra.NoArgs},

		selectorVerb(protocol.VerbWait, "Wait for a CSS selector to appear"),
		selectorVerb(protocol.VerbWaitNot, "Wait for a CSS selector to disappear"),
		{
			verb:  protocol.VerbWaitAny,
			use:   "wait-any <selector>...",
			short: "Wait for any selector to appear and print the one that did",
			args:  cobra.MinimumNArgs(1),
			build: func(args []string, _ *pflag.FlagSet) (protocol.Args, error) { return protocol.Args{Selectors: args}, nil },
		},
		{
			verb:  protocol.VerbWaitAll,
			use:   "wait-all <selector>...",
			short: "Wait until every selector has appeared",
			args:  cobra.MinimumNArgs(1),
			build: func(args []string, _ *pflag.FlagSet) (protocol.Args, error) { return protocol.Args{Selectors: args}, nil },
		},

		selectorVerb(protocol.VerbClick, "Click an element"),
		selectorVerb(protocol.VerbDblclick, "Double-click an element"),
		selectorVerb(protocol.VerbHover, "Move the pointer over an element"),
		selectorVerb(protocol.VerbCheck, "Check a checkbox or radio button"),
		selectorVerb(protocol.VerbUncheck, "Uncheck a checkbox"),
		selectorVerb(protocol.VerbFocus, "Focus an element"),
		selectorVerb(protocol.VerbBlur, "Remove focus from an element"),
		selectorVerb(protocol.VerbScrollIntoView, "Scroll an element into view"),
		{
			verb:  protocol.VerbFill,
			use:   "fill <selector> <text>",
			short: "Fill text into an input",
			args:  cobra.ExactArgs(2),
			build: func(args []string, _ *pflag.FlagSet) (protocol.Args, error) {
				return protocol.Args{Selector: args[0], Text: args[1]}, nil
			},
		},
		{
			verb:  protocol.VerbPress,
			use:   "press <key>",
			short: "Press a key or chord (e.g. Enter, Escape, Control+c)",
			args:  cobra.ExactArgs(1),
			build: func(args []string, _ *pflag.FlagSet) (protocol.Args, error) { return protocol.Args{Key: args[0]}, nil },
		},
		{
			verb:  protocol.VerbSelect,
			use:   "select <selector> <value>...",
			short: "Select options of a <select> element",
			args:  cobra.MinimumNArgs(2),
			flags: func(fs *pflag.FlagSet) { fs.Bool("label", false, "match options by label instead of value") },
			build: func(args []string, fs *pflag.FlagSet) (protocol.Args, error) {
				byLabel, _ := fs.GetBool("label")
				return protocol.Args{Selector: args[0], Values: args[1:], ByLabel: byLabel}, nil
			},
		},
		{
			verb:  protocol.VerbInputFiles,
			use:   "input-files <selector> [path...]",
			short: "Set the files of a file input (no paths clears it)",
			args:  cobra.MinimumNArgs(1),
			build: func(args []string, _ *pflag.FlagSet) (protocol.Args, error) {
				paths, err := absolute(args[1:])
				return protocol.Args{Selector: args[0], Paths: paths}, err
			},
		},

		selectorVerb(protocol.VerbExists, "Exit 0 if the selector matches, 1 if not"),
		selectorVerb(protocol.VerbCount, "Print the number of matching elements"),
		selectorVerb(protocol.VerbText, "Print the text content of an element"),
		selectorVerb(protocol.VerbInnerHTML, "Print the inner HTML of an element"),
		selectorVerb(protocol.VerbInputValue, "Print the value of an input"),
		{
			verb:  protocol.VerbAttr,
			use:   "attr <selector> <name>",
			short: "Print an attribute of an element",
			args:  cobra.ExactArgs(2),
			build: func(args []string, _ *pflag.FlagSet) (protocol.Args, error) {
				return protocol.Args{Selector: args[0], Name: args[1]}, nil
			},
		},
		{
			verb:  protocol.VerbComputedStyle,
			use:   "computed-style <selector> [property...]",
			short: "Print computed style properties as JSON",
			args:  cobra.MinimumNArgs(1),
			build: func(args []string, _ *pflag.FlagSet) (protocol.Args, error) {
				return protocol.Args{Selector: args[0], Properties: args[1:]}, nil
			},
		},
		{
			verb:  protocol.VerbEval,
			use:   "eval <js>",
			short: "Evaluate JavaScript in the page and print the result",
			args:  cobra.ExactArgs(1),
			build: func(args []string, _ *pflag.FlagSet) (protocol.Args, error) { return protocol.Args{Text: args[0]}, nil },
		},
		{
			verb:  protocol.VerbScreenshot,
			use:   "screenshot",
			short: "Take a screenshot of the page or an element",
			args:  cobra.NoArgs,
			flags: func(fs *pflag.FlagSet) {
				fs.String("selector", "", "capture only this element")
				fs.String("path", "screenshot.png", "output file")
				fs.Bool("full-page", false, "capture the full scrollable page")
			},
			build: func(_ []string, fs *pflag.FlagSet) (protocol.Args, error) {
				selector, _ := fs.GetString("selector")
				path, _ := fs.GetString("path")
				fullPage, _ := fs.GetBool("full-page")
				abs, err := absolute([]string{path})
				if err != nil {
					return protocol.Args{}, err
				}
				return protocol.Args{Selector: selector, Path: abs[0], FullPage: fullPage}, nil
			},
		},
		{
			verb:  protocol.VerbTree,
			use:   "tree [selector]",
			short: "Dump the DOM tree as JSON",
			args:  cobra.MaximumNArgs(1),
			build: func(args []string, _ *pflag.FlagSet) (protocol.Args, error) {
				return protocol.Args{Selector: lo.FirstOrEmpty(args)}, nil
			},
		},

		{
			verb:  protocol.VerbHeader,
			use:   "header <name> <value>",
			short: "Set an extra HTTP header for every request (--clear removes all)",
			args:  cobra.MaximumNArgs(2),
			flags: func(fs *pflag.FlagSet) { fs.Bool("clear", false, "clear all extra headers") },
			build: func(args []string, fs *pflag.FlagSet) (protocol.Args, error) {
				if clearAll, _ := fs.GetBool("clear"); clearAll {
					return protocol.Args{Clear: true}, nil
				}
				if len(args) != 2 {
					return protocol.Args{}, protocol.Errorf(protocol.KindBadRequest,
						"Usage: plwr header <name> <value> or plwr header --clear")
				}
				return protocol.Args{Name: args[0], Value: args[1]}, nil
			},
		},
		{
			verb:  protocol.VerbCookie,
			use:   "cookie <name> <value>",
			short: "Set a cookie (--list shows all, --clear removes all)",
			args:  cobra.MaximumNArgs(2),
			flags: func(fs *pflag.FlagSet) {
				fs.String("url", "", "URL the cookie applies to (defaults to the current page)")
				fs.Bool("list", false, "list all cookies as JSON")
				fs.Bool("clear", false, "clear all cookies")
			},
			build: func(args []string, fs *pflag.FlagSet) (protocol.Args, error) {
				list, _ := fs.GetBool("list")
				clearAll, _ := fs.GetBool("clear")
				url, _ := fs.GetString("url")
				if list || clearAll {
					return protocol.Args{List: list, Clear: clearAll && !list}, nil
				}
				if len(args) != 2 {
					return protocol.Args{}, protocol.Errorf(protocol.KindBadRequest,
						"Usage: plwr cookie <name> <value> [--url URL], plwr cookie --list or plwr cookie --clear")
				}
				return protocol.Args{Name: args[0], Value: args[1], URL: url}, nil
			},
		},
		{
			verb:  protocol.VerbViewport,
			use:   "viewport <width> <height>",
			short: "Set the viewport size",
			args:  cobra.ExactArgs(2),
			build: func(args []string, _ *pflag.FlagSet) (protocol.Args, error) {
				w, werr := strconv.Atoi(args[0])
				h, herr := strconv.Atoi(args[1])
				if werr != nil || herr != nil {
					return protocol.Args{}, protocol.Errorf(protocol.KindBadRequest, "viewport: width and height must be integers")
				}
				return protocol.Args{Width: w, Height: h}, nil
			},
		},
		{
			verb:  protocol.VerbConsole,
			use:   "console",
			short: "Print captured console messages as JSON",
			args:  cobra.NoArgs,
			flags: func(fs *pflag.FlagSet) { fs.Bool("clear", false, "clear the captured messages") },
			build: func(_ []string, fs *pflag.FlagSet) (protocol.Args, error) {
				clearAll, _ := fs.GetBool("clear")
				return protocol.Args{Clear: clearAll}, nil
			},
		},

		{
			verb:  protocol.VerbVideoStart,
			use:   "video-start",
			short: "Start recording video",
			args:  cobra.NoArgs,
			flags: func(fs *pflag.FlagSet) { fs.String("dir", "", "directory for raw video files (default: a temporary one)") },
			build: func(_ []string, fs *pflag.FlagSet) (protocol.Args, error) {
				dir, _ := fs.GetString("dir")
				if dir == "" {
					return protocol.Args{}, nil
				}
				abs, err := absolute([]string{dir})
				if err != nil {
					return protocol.Args{}, err
				}
				return protocol.Args{Dir: abs[0]}, nil
			},
		},
		{
			verb:  protocol.VerbVideoStop,
			use:   "video-stop <output>",
			short: "Stop recording and save the video (.webm, .mp4, .gif, ...)",
			args:  cobra.ExactArgs(1),
			build: func(args []string, _ *pflag.FlagSet) (protocol.Args, error) {
				abs, err := absolute(args)
				if err != nil {
					return protocol.Args{}, err
				}
				return protocol.Args{Output: abs[0]}, nil
			},
		},
		{verb: protocol.VerbStatus, use: "status", short: "Print the session status as JSON", args: cobra.NoArgs},
	}
}

func (a *app) newVerbCmds() []*cobra.Command {
	specs := verbSpecs()
	cmds := make([]*cobra.Command, 0, len(specs))
	for _, spec := range specs {
		spec := spec
		cmd := &cobra.Command{
			Use:   spec.use,
			Short: spec.short,
			Args:  usage(spec.args),
			RunE: func(cmd *cobra.Command, args []string) error {
				var reqArgs protocol.Args
				if spec.build != nil {
					var err error
					if reqArgs, err = spec.build(args, cmd.Flags()); err != nil {
						return err
					}
				}
				return a.run(cmd.Context(), spec.verb, reqArgs)
			},
		}
		if spec.flags != nil {
			spec.flags(cmd.Flags())
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

// absolute resolves paths against the invoking shell's directory, since the
// daemon runs elsewhere.
func absolute(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, protocol.Errorf(protocol.KindBadRequest, "invalid path %q: %v", p, err)
		}
		out = append(out, abs)
	}
	return out, nil
}
