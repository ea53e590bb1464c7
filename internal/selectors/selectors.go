package selectors

import (
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/konitan-oss/mercari-price-tool/pkg/logg"
)

// FileName is the selector override document looked up inside the data dir.
const FileName = "SELECTORS.md"

// Section headings inside SELECTORS.md. One "### Heading" per action, one
// selector per "-" bullet, "#" starts an inline comment.
const (
	SectionPausedText = "PausedTextCandidates"
	SectionEditButton = "EditButtonSelectors"
	SectionPriceInput = "PriceInputSelectors"
	SectionPause      = "PauseSelectors"
	SectionResume     = "ResumeSelectors"
	SectionPopupClose = "PopupCloseSelectors"
)

var defaults = map[string][]string{
	SectionPausedText: {
		"公開停止中",
		"出品を再開する",
		"停止中",
	},
	SectionEditButton: {
		`a[href^="/sell/edit/"]`,
		`a:has-text("商品の編集")`,
		`button:has-text("商品の編集")`,
		`[data-testid="edit-button"]`,
	},
	SectionPriceInput: {
		`input[name="price"]`,
		`input[data-testid*="price"]`,
		`input[type="number"]`,
	},
	SectionPause: {
		`button:has-text("出品を一時停止")`,
		`a:has-text("出品を一時停止")`,
		`[role="button"]:has-text("出品を一時停止")`,
		`[data-testid*="pause"]`,
	},
	SectionResume: {
		`button:has-text("出品を再開")`,
		`a:has-text("出品を再開")`,
		`[role="button"]:has-text("出品を再開")`,
		`[data-testid*="resume"]`,
	},
	SectionPopupClose: {
		`button[aria-label="閉じる"]`,
		`[data-testid="modal-close"]`,
		`[data-testid="close"]`,
		`button:has-text("閉じる")`,
		`button:has-text("×")`,
	},
}

// Set holds the ordered selector candidates for every logical UI action.
type Set struct {
	PausedText []string
	EditButton []string
	PriceInput []string
	Pause      []string
	Resume     []string
	PopupClose []string
}

// Load reads the override document at path and resolves every action list.
// Absence of the file, a section, or usable bullets is not an error: the
// built-in defaults cover each gap. Load never fails.
func Load(path string, logger *zap.Logger) *Set {
	lines := readLines(path, logger)

	return &Set{
		PausedText: Resolve(lines, SectionPausedText),
		EditButton: Resolve(lines, SectionEditButton),
		PriceInput: Resolve(lines, SectionPriceInput),
		Pause:      Resolve(lines, SectionPause),
		Resume:     Resolve(lines, SectionResume),
		PopupClose: Resolve(lines, SectionPopupClose),
	}
}

// Resolve extracts the bullet list under "### heading", falling back to the
// built-in default list for that heading.
func Resolve(lines []string, heading string) []string {
	results := make([]string, 0, 4)
	inSection := false

	for _, raw := range lines {
		line := strings.TrimSpace(raw)

		if rest, ok := strings.CutPrefix(line, "### "); ok {
			inSection = strings.EqualFold(strings.TrimSpace(rest), heading)

			continue
		}

		if strings.HasPrefix(line, "## ") {
			if inSection {
				break
			}

			continue
		}

		if !inSection || !strings.HasPrefix(line, "-") {
			continue
		}

		value := strings.TrimSpace(strings.TrimLeft(line, "-"))
		if idx := strings.IndexByte(value, '#'); idx >= 0 {
			value = strings.TrimSpace(value[:idx])
		}

		if value != "" {
			results = append(results, value)
		}
	}

	if len(results) == 0 {
		return append([]string(nil), defaults[heading]...)
	}

	return results
}

func readLines(path string, logger *zap.Logger) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) && logger != nil {
			logger.Warn("Selector config unreadable, using defaults",
				zap.String(logg.Path, path), zap.Error(err))
		}

		return nil
	}

	return strings.Split(string(data), "\n")
}
