package workers

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/sprintd/sprintd/internal/common/logger"
	"github.com/sprintd/sprintd/internal/store"
)

// Finding is one review observation lifted from the reviewer's markdown.
type Finding struct {
	Title       string
	Description string
	Category    string
	File        string
}

// Finding categories, in severity order.
const (
	CategoryMustFix   = "must-fix"
	CategoryShouldFix = "should-fix"
	CategoryNitpick   = "nitpick"
)

var (
	bulletRe   = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+(?:\[[ xX]\]\s*)?(.+)$`)
	boldLeadRe = regexp.MustCompile(`^\*\*([^*]+?)\*\*[:\s-]*(.*)$`)
	backtickRe = regexp.MustCompile("`([^`\n]+)`")
	fileExtRe  = regexp.MustCompile(`\.[a-z0-9]{1,4}$`)
)

// ParseFindings extracts structured findings from review markdown. The
// grammar is deliberately loose because reviewer output drifts from run to
// run: headings at any level, bullets as dash, star, plus or numbered items,
// optional checkboxes, optional bold title prefixes. A section that yields
// nothing logs a warning and is skipped.
func ParseFindings(md string, log *logger.Logger) []Finding {
	var out []Finding
	category := ""
	sectionLines, sectionFindings := 0, 0

	closeSection := func() {
		if category != "" && sectionLines > 0 && sectionFindings == 0 {
			log.Warn("review section had no parseable findings",
				zap.String("category", category))
		}
		sectionLines, sectionFindings = 0, 0
	}

	for _, line := range strings.Split(md, "\n") {
		if c, ok := headingCategory(line); ok {
			closeSection()
			category = c
			continue
		}
		if category == "" {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			// A heading we do not recognise ends the section.
			closeSection()
			category = ""
			continue
		}
		sectionLines++

		if m := bulletRe.FindStringSubmatch(line); m != nil {
			body := strings.TrimSpace(m[1])
			if body == "" {
				continue
			}
			f := Finding{Category: category, Description: body}
			if bm := boldLeadRe.FindStringSubmatch(body); bm != nil {
				f.Title = strings.TrimSuffix(strings.TrimSpace(bm[1]), ":")
				f.Description = strings.TrimSpace(bm[2])
				if f.Description == "" {
					f.Description = f.Title
				}
			}
			f.File = fileRef(body)
			out = append(out, f)
			sectionFindings++
			continue
		}

		// Indented prose under a bullet extends the previous finding.
		if len(out) > 0 && (strings.HasPrefix(line, "  ") || strings.HasPrefix(line, "\t")) {
			last := &out[len(out)-1]
			last.Description = last.Description + " " + trimmed
			if last.File == "" {
				last.File = fileRef(trimmed)
			}
		}
	}
	closeSection()
	return out
}

// headingCategory classifies a markdown heading or standalone bold line as
// one of the finding categories.
func headingCategory(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	isHeading := strings.HasPrefix(trimmed, "#")
	if !isHeading {
		// Bold-only lines like **Must Fix:** act as headings too.
		if m := boldLeadRe.FindStringSubmatch(trimmed); m == nil || strings.TrimSpace(m[2]) != "" {
			return "", false
		}
	}
	norm := strings.ToLower(trimmed)
	norm = strings.NewReplacer("#", "", "*", "", ":", "", "-", " ", "_", " ").Replace(norm)
	norm = strings.Join(strings.Fields(norm), " ")
	switch {
	case strings.Contains(norm, "must fix"), strings.Contains(norm, "mustfix"):
		return CategoryMustFix, true
	case strings.Contains(norm, "should fix"), strings.Contains(norm, "shouldfix"):
		return CategoryShouldFix, true
	case strings.Contains(norm, "nitpick"), strings.Contains(norm, "nit pick"):
		return CategoryNitpick, true
	}
	return "", false
}

// fileRef returns the first backtick span that looks like a path: it either
// contains a separator or ends in a short lower-case extension.
func fileRef(s string) string {
	for _, m := range backtickRe.FindAllStringSubmatch(s, -1) {
		span := strings.TrimSpace(m[1])
		if strings.ContainsAny(span, " \t") {
			continue
		}
		if strings.Contains(span, "/") || fileExtRe.MatchString(span) {
			return span
		}
	}
	return ""
}

// BugSeeds converts findings into the store's bug task seeds.
func BugSeeds(findings []Finding) []store.BugSeed {
	seeds := make([]store.BugSeed, len(findings))
	for i, f := range findings {
		seeds[i] = store.BugSeed{
			Title:       f.Title,
			Description: f.Description,
			Category:    f.Category,
			File:        f.File,
		}
	}
	return seeds
}
