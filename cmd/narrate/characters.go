package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/narrate/internal/output"
	"github.com/jackzampolin/narrate/internal/store"
)

var charactersFlags struct {
	chapterID int64
	name      string
}

var charactersCmd = &cobra.Command{
	Use:   "characters BOOK_ID",
	Short: "List a book's persisted characters",
	Long: `List the characters stored for a book with their voice and speaker.

With --name and --chapter-id, print that character's dialog lines in the
chapter instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bookID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid book id %q: %w", args[0], err)
		}
		ctx := cmd.Context()
		svc, err := services(ctx)
		if err != nil {
			return err
		}

		if charactersFlags.name != "" {
			lines, err := svc.Store.DialogLines(ctx, bookID, charactersFlags.chapterID, charactersFlags.name)
			if err != nil {
				return err
			}
			return write(cmd, lines)
		}

		chars, err := svc.Store.ListCharacters(ctx, bookID)
		if err != nil {
			return err
		}
		if output.Format(outputFormat) != output.FormatTable {
			return write(cmd, chars)
		}
		return write(cmd, characterTable(chars))
	},
}

func init() {
	charactersCmd.Flags().Int64Var(&charactersFlags.chapterID, "chapter-id", 1, "chapter for --name")
	charactersCmd.Flags().StringVar(&charactersFlags.name, "name", "", "show this character's dialog lines")
}

func characterTable(chars []*store.Character) output.Table {
	t := output.Table{
		Head:  []string{"NAME", "VOICE", "SPEAKER", "CHAPTERS", "LINES", "TRAITS"},
		Right: []int{2, 3, 4},
	}
	for _, c := range chars {
		voice, speaker := "-", "-"
		if c.VoiceProfile != nil {
			voice = c.VoiceProfile.Gender + "/" + c.VoiceProfile.Age
		}
		if c.SpeakerID != nil {
			speaker = strconv.Itoa(*c.SpeakerID)
		}
		t.Body = append(t.Body, []string{
			c.Name,
			voice,
			speaker,
			strconv.Itoa(c.Chapters),
			strconv.Itoa(c.DialogLines),
			strings.Join(c.Traits, ", "),
		})
	}
	return t
}
