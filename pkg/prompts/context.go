package prompts

// Context carries everything a prompt template may substitute. Agents fill
// the environment fields from the research tree and the message log; the
// Chinese fallback strings ("研究树为空" and friends) are supplied by the
// caller, not by the templates.
type Context struct {
	// Environment information shared by every prompt.
	CurrentResearchTreeFullText            string
	CurrentResearchProblem                 string
	ExpertSolutionsOfAllAncestorProblems   string
	OtherSolutionsOfCurrentProblem         string
	ExpertSolutionsOfAllDescendantProblems string
	RootProblem                            string
	UserPrompt                             string

	// Dialogue fields used by the modification prompts.
	SupervisorName      string
	ModificationRequest string
	CurrentSolution     string
	MessageList         string
	ModifyPlan          string
	// Rendered title list of the current solution's sub-problems, offered
	// for inheritance.
	CurrentSolutionSubProblemList string
}
