package workers

import (
	"fmt"
	"strings"

	"github.com/sprintd/sprintd/internal/sprint"
)

// Prompts are plain imperative instructions. Artefacts the pipeline needs
// afterwards are named by absolute path so the agent writes them where the
// store expects them; anything the agent prints instead is salvaged from its
// output by the worker.

func researchPrompt(specPath, targetDir, researchPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the research agent for a development sprint.\n\n")
	fmt.Fprintf(&b, "Feature specification: %s\n", specPath)
	fmt.Fprintf(&b, "Target repository: %s (your working directory)\n\n", targetDir)
	b.WriteString("Read the specification, then explore the repository: existing structure, ")
	b.WriteString("conventions, the files and packages the feature will touch, and any prior ")
	b.WriteString("art worth reusing. Note risks and open questions.\n\n")
	fmt.Fprintf(&b, "Write your findings as markdown to %s. ", researchPath)
	b.WriteString("If you cannot write the file, print the full markdown document instead.")
	return b.String()
}

func planningPrompt(specPath, researchPath, targetDir string, devCount int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the planning agent for a development sprint.\n\n")
	fmt.Fprintf(&b, "Feature specification: %s\n", specPath)
	fmt.Fprintf(&b, "Research notes: %s\n", researchPath)
	fmt.Fprintf(&b, "Target repository: %s (your working directory)\n", targetDir)
	fmt.Fprintf(&b, "Developer agents available: %d\n\n", devCount)
	b.WriteString("Break the work into tasks that ")
	fmt.Fprintf(&b, "%d developers can execute in parallel waves. Rules:\n", devCount)
	b.WriteString(`- every task lists the files it will touch; two tasks in the same wave must never touch the same file
- dependencies form a DAG; a task's wave must come after all of its dependencies
- keep tasks small enough to finish in one agent session

Output the plan as a single JSON object, and nothing after it:
{
  "estimate_human": "...",
  "estimate_ai": "...",
  "tasks": [
    {
      "id": 1,
      "title": "...",
      "description": "...",
      "acceptance_criteria": ["..."],
      "files": ["path/one.go"],
      "depends_on": [],
      "wave": 1,
      "role": "developer"
    }
  ]
}`)
	return b.String()
}

func developerPrompt(t *sprint.Task, specPath string) string {
	var b strings.Builder
	if t.IsBug() {
		fmt.Fprintf(&b, "You are a developer agent fixing a review finding (review cycle %d).\n\n", t.ReviewCycle)
	} else {
		b.WriteString("You are a developer agent implementing one task of a sprint plan.\n\n")
	}
	fmt.Fprintf(&b, "Task %d: %s\n", t.ID, t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", t.Description)
	}
	if len(t.AcceptanceCriteria) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, c := range t.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if len(t.Files) > 0 {
		fmt.Fprintf(&b, "\nFiles expected to change: %s\n", strings.Join(t.Files, ", "))
		b.WriteString("Stay inside this file set; other developers work the same tree in parallel.\n")
	}
	fmt.Fprintf(&b, "\nThe sprint's feature specification is at %s for context.\n", specPath)
	b.WriteString("Work in the current directory (a dedicated git worktree). ")
	b.WriteString("Make the change and leave the tree ready to commit; do not commit yourself.")
	return b.String()
}

func testingPrompt(specPath string, cycle int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the testing agent for a development sprint (cycle %d).\n\n", cycle)
	fmt.Fprintf(&b, "The implementation is merged on the current branch. The feature specification is at %s.\n\n", specPath)
	b.WriteString(`Run the project's test suite. Then:
- add tests that cover the new feature where coverage is missing
- fix only test code; report (do not fix) defects in the implementation
- finish with a short summary of what passed, what you added, and anything suspicious`)
	return b.String()
}

func reviewPrompt(specPath, reviewPath string, cycle int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the review agent for a development sprint (review cycle %d).\n\n", cycle)
	fmt.Fprintf(&b, "Review the current branch against the feature specification at %s.\n", specPath)
	b.WriteString("Examine correctness, spec coverage, tests and obvious regressions.\n\n")
	fmt.Fprintf(&b, "Write your review as markdown to %s with findings grouped under the headings ", reviewPath)
	b.WriteString("\"Must Fix\", \"Should Fix\" and \"Nitpick\", one bullet per finding, ")
	b.WriteString("naming the file in backticks where relevant.\n\n")
	b.WriteString(`Then print your verdict as the final JSON object of your output:
{
  "verdict": "APPROVE" or "REQUEST_CHANGES",
  "must_fix_count": 0,
  "should_fix_count": 0,
  "nitpick_count": 0,
  "summary": "one sentence"
}
APPROVE only when there are zero must-fix findings.`)
	return b.String()
}

// commitMessage renders the task or fix-cycle commit template.
func commitMessage(t *sprint.Task) string {
	if t.IsBug() {
		return fmt.Sprintf("fix(review-%d): %s\n\nTask %d, %s.", t.ReviewCycle, t.Title, t.ID, t.Developer)
	}
	return fmt.Sprintf("task %d: %s\n\nImplemented by %s.", t.ID, t.Title, t.Developer)
}

func testCommitMessage(cycle int) string {
	return fmt.Sprintf("test: sprint test pass, cycle %d", cycle)
}
