package tools

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/nugget/quill-agent/internal/tools/calc"
)

// Random is the source of randomness for the built-in tools. It must be
// safe for concurrent use when the executor dispatches in parallel.
type Random interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// BuiltinOptions injects the random source and clock used by the
// built-in tools. Zero values use math/rand/v2 and time.Now.
type BuiltinOptions struct {
	Rand Random
	Now  func() time.Time
}

// Facts returned by random_fact_generator.
var Facts = []string{
	"Honey never spoils. Archaeologists have found 3000-year-old honey in Egyptian tombs that was still edible.",
	"Octopuses have three hearts and blue blood.",
	"Bananas are berries, but strawberries aren't.",
	"A group of flamingos is called a 'flamboyance'.",
	"The shortest war in history lasted 38 minutes between Britain and Zanzibar in 1896.",
	"Venus is the only planet that rotates clockwise.",
	"A single strand of spaghetti is called a 'spaghetto'.",
	"Wombat poop is cube-shaped.",
	"The human brain uses about 20% of the body's energy despite being only 2% of body weight.",
	"There are more stars in the universe than grains of sand on all Earth's beaches.",
}

// CalculatorArgs are the arguments of the calculator tool.
type CalculatorArgs struct {
	Expression string `json:"expression" jsonschema_description:"Arithmetic expression using numbers, + - * / // % ** and parentheses"`
}

// TextArgs are the arguments of the text utilities.
type TextArgs struct {
	Text string `json:"text" jsonschema_description:"The text to process"`
}

// DiceArgs are the arguments of the dice_roll tool.
type DiceArgs struct {
	Sides *int `json:"sides,omitempty" jsonschema:"default=6" jsonschema_description:"Number of sides on the dice (default 6)"`
}

// HTMLArgs are the arguments of the html_to_text tool.
type HTMLArgs struct {
	HTML string `json:"html" jsonschema_description:"HTML markup to convert to plain text"`
}

// NoArgs is the argument type of tools that take no parameters.
type NoArgs struct{}

// RegisterBuiltins adds the built-in tool set to r.
func RegisterBuiltins(r *Registry, opts BuiltinOptions) error {
	rnd := opts.Rand
	if rnd == nil {
		rnd = globalRand{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	builtins := []*Tool{
		New("calculator",
			"Evaluates a mathematical expression. Example: '2 + 2' returns '4'",
			func(_ context.Context, a CalculatorArgs) (string, error) {
				v, err := calc.Eval(a.Expression)
				if err != nil {
					return fmt.Sprintf("Error evaluating expression: %v", err), nil
				}
				return fmt.Sprintf("The result of %s is %s", a.Expression, v), nil
			}),

		New("random_fact_generator",
			"Generates a random interesting fact.",
			func(_ context.Context, _ NoArgs) (string, error) {
				return Facts[rnd.IntN(len(Facts))], nil
			}),

		New("current_datetime",
			"Returns the current date and time.",
			func(_ context.Context, _ NoArgs) (string, error) {
				return "Current date and time: " + now().Format(time.DateTime), nil
			}),

		New("word_counter",
			"Counts the number of words in the provided text.",
			func(_ context.Context, a TextArgs) (string, error) {
				return fmt.Sprintf("Word count: %d", len(strings.Fields(a.Text))), nil
			}),

		New("reverse_text",
			"Reverses the provided text.",
			func(_ context.Context, a TextArgs) (string, error) {
				return "Reversed text: " + reverseRunes(a.Text), nil
			}),

		New("coin_flip",
			"Simulates a coin flip and returns either 'Heads' or 'Tails'.",
			func(_ context.Context, _ NoArgs) (string, error) {
				side := "Heads"
				if rnd.IntN(2) == 1 {
					side = "Tails"
				}
				return "Coin flip result: " + side, nil
			}),

		New("dice_roll",
			"Rolls a dice with the specified number of sides (default is 6).",
			func(_ context.Context, a DiceArgs) (string, error) {
				sides := 6
				if a.Sides != nil {
					sides = *a.Sides
				}
				if sides < 2 {
					return "Error: Dice must have at least 2 sides.", nil
				}
				return fmt.Sprintf("Rolled a %d-sided dice: %d", sides, rnd.IntN(sides)+1), nil
			}),

		New("html_to_text",
			"Converts HTML markup to readable plain text, dropping scripts, styles, and tags.",
			func(_ context.Context, a HTMLArgs) (string, error) {
				title, text := htmlToText(a.HTML)
				if title != "" {
					return "Title: " + title + "\n\n" + text, nil
				}
				return text, nil
			}),
	}

	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return fmt.Errorf("register %s: %w", t.Name, err)
		}
	}
	return nil
}

func reverseRunes(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}
