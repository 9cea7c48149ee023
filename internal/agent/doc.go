// Package agent implements the research, writing and analysis workers on top
// of a large language model. Model output is requested as JSON; plain text is
// accepted as the body when the model ignores the format. Local heuristics
// complement the model in the analysis stage.
package agent
