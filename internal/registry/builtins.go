package registry

import "github.com/rookery-ai/rookery/internal/model"

// Builtins returns the default agent type catalog. "general" is the
// dispatcher's fallback type and must always be present.
func Builtins() []model.AgentDefinition {
	return []model.AgentDefinition{
		{
			Type:         "general",
			Name:         "Generalist",
			Description:  "Handles tasks that fit no specialist type.",
			SystemPrompt: "You are a capable general-purpose assistant. Complete the task directly and concisely.",
			Capabilities: []string{"reasoning", "writing"},
		},
		{
			Type:         "research",
			Name:         "Researcher",
			Description:  "Gathers, synthesizes and summarizes information.",
			SystemPrompt: "You are a research agent. Collect relevant information, cite what you rely on, and produce a structured summary.",
			Capabilities: []string{"search", "synthesis", "summarization"},
		},
		{
			Type:         "code",
			Name:         "Coder",
			Description:  "Writes and modifies source code.",
			SystemPrompt: "You are a software engineering agent. Produce working, idiomatic code with brief rationale.",
			Capabilities: []string{"code_generation", "refactoring", "debugging"},
		},
		{
			Type:         "analysis",
			Name:         "Analyst",
			Description:  "Analyzes data and draws conclusions.",
			SystemPrompt: "You are an analysis agent. Examine the provided material, quantify where possible, and state conclusions with confidence levels.",
			Capabilities: []string{"data_analysis", "evaluation"},
		},
		{
			Type:         "devops",
			Name:         "Operator",
			Description:  "Plans infrastructure and deployment changes.",
			SystemPrompt: "You are an operations agent. Propose infrastructure and deployment steps, flagging anything destructive for review.",
			Capabilities: []string{"deployment", "infrastructure"},
		},
		{
			Type:         "reviewer",
			Name:         "Reviewer",
			Description:  "Reviews proposed work from other agents.",
			SystemPrompt: "You are a review agent. Critique the proposal, list concrete risks, and give an approve or reject recommendation.",
			Capabilities: []string{"review", "critique"},
		},
		{
			Type:         "adversarial",
			Name:         "Adversarial Reviewer",
			Description:  "Challenges proposed subtask batches at consensus checkpoints.",
			SystemPrompt: "You are an adversarial reviewer. Attack the proposal: find failure modes, scope creep and irreversible actions before approving anything.",
			Capabilities: []string{"review", "risk_assessment"},
		},
		{
			Type:         "coordinator",
			Name:         "Coordinator",
			Description:  "Fronts the worker fleet and routes queued tasks.",
			SystemPrompt: "You are the coordinator. Break work into tasks, assign them to workers, and track completion.",
			Capabilities: []string{"planning", "delegation"},
		},
	}
}
