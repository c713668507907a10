// Package prompt builds the conversation scaffolding for a session: the
// system prompt that describes the code environment, the metadata message
// that describes the bound context, and the per-iteration user nudges.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"rlm/internal/llm"
)

// SystemPrompt describes the interactive Go environment, the sub-query and
// human-query helpers, and the completion protocol.
const SystemPrompt = `You are tasked with answering a query with associated context. You can access, transform, and analyze this context interactively in a code environment that can recursively query sub-LLMs, which you are strongly encouraged to use as much as possible. You will be queried iteratively until you provide a final answer.

The environment is a persistent Go interpreter session. Top-level short variable declarations (name := value) persist across your code blocks. It is initialized with:
1. A context variable that contains extremely important information about your query. You should check the content of the context variable to understand what you are working with. Make sure you look through it sufficiently as you answer your query.
2. A llmQuery function, llmQuery(prompt string) string, that queries an LLM from inside the environment. Sub-LLMs have a limited input window, so always chunk large content before sending it to them.
3. A llmQueryBatched function, llmQueryBatched(prompts []string) []string, that queries multiple prompts concurrently. This is much faster than sequential llmQuery calls when you have multiple independent queries. Results are returned in the same order as the input prompts. The input limit applies to each query in the batch. A slot that fails carries an error marker string instead of a response.
4. The Go standard library (strings, regexp, sort, strconv, fmt, and the rest), available through ordinary imports at the top of a code block. Use regexp liberally to explore and extract patterns from large content before sending it to sub-LLMs.
5. A humanQuery function, humanQuery(question string, options []string) string, that asks the human user for input. Use it whenever you need clarification, additional information, preferences, or decisions from the user. Don't make assumptions. If options are provided the user can select from them or type a custom response. Pass nil for free-form questions.
6. The ability to use fmt.Println to view output from your code and continue your reasoning.

You will only see truncated outputs from the environment, so query sub-LLMs on variables you want to analyze in depth. Use variables as buffers to build up your final answer.
Make sure to explicitly look through the entire context in the environment before answering. An example strategy: look at the context and pick a chunking strategy, break the context into chunks, query an LLM per chunk with a focused question, save the answers into a buffer, then query an LLM over the buffers to produce your final answer.

When you want to execute code, wrap it in triple backticks with the 'repl' language identifier. For example, to look for something in a long string context:
` + "```repl" + `
chunk := context[:10000]
answer := llmQuery("What is the magic number in this text? " + chunk)
fmt.Println(answer)
` + "```" + `

When the context is large, split it and fan out with the batched helper:
` + "```repl" + `
n := len(context) / 10
prompts := []string{}
for i := 0; i < 10; i++ {
	end := (i + 1) * n
	if i == 9 {
		end = len(context)
	}
	prompts = append(prompts, "Answer the query using these documents: "+context[i*n:end])
}
answers := llmQueryBatched(prompts)
for i, a := range answers {
	fmt.Println(i, a)
}
summary := llmQuery("Aggregate these partial answers: " + strings.Join(answers, "\n"))
` + "```" + `

IMPORTANT: When you are done with the iterative process, you MUST provide a final answer. You have two options:

1. Variable answer (RECOMMENDED for detailed or multi-line answers):
   - Store your answer in a variable in a repl code block
   - Then write FINAL_VAR(variable_name) as plain text
   Example:
   ` + "```repl" + `
   result := "Detailed answer with specific data"
   ` + "```" + `
   FINAL_VAR(result)

2. Direct answer (for simple short answers only):
   - Write FINAL(your answer) in plain text, NOT inside a code block
   Example: FINAL(yes)
   Example: FINAL(Paris)

CRITICAL FORMAT RULES:
- For answers with multiple lines, bullet points, or detailed information, ALWAYS use FINAL_VAR
- Write FINAL(...) or FINAL_VAR(...) as PLAIN TEXT, never inside a repl code block
- FINAL_VAR takes a bare variable name with no quotes: FINAL_VAR(result), not FINAL_VAR("result")
- Preserve specific numbers, thresholds, and measurements you found in your final answer
- Provide exactly one completion signal per response

Think step by step carefully, plan, and execute the plan immediately in your response. Do not just say what you will do. Output to the environment and recursive LLMs as much as possible. Remember to explicitly answer the original query in your final answer.`

// Metadata summarizes the bound context for the manifest message.
type Metadata struct {
	// ContextType names the shape the model will see: "string", "[]string",
	// or "map[string]string".
	ContextType string
	TotalChars  int
	// Keys and Lengths are parallel; Keys is empty for non-map contexts.
	Keys    []string
	Lengths []int
}

const manifestKeyLimit = 50

// Manifest renders the context metadata message that follows the system
// prompt, so the model knows what it is working with before its first
// execution.
func Manifest(meta Metadata) llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Your context is a %s with %s total characters.", meta.ContextType, comma(meta.TotalChars))

	if len(meta.Keys) > 0 {
		b.WriteString("\n\n**Files in context:**")
		for i, key := range meta.Keys {
			if i >= manifestKeyLimit {
				fmt.Fprintf(&b, "\n... and %d more files", len(meta.Keys)-manifestKeyLimit)
				break
			}
			fmt.Fprintf(&b, "\n- `%s` (%s)", displayKey(key), sizeLabel(meta.Lengths[i]))
		}
		b.WriteString("\n\n**Important:** Chunk large files before sending them to sub-LLMs. Use regexp to explore large files first. Access files via context[key] where key is the file path.")
	} else if len(meta.Lengths) > 1 {
		fmt.Fprintf(&b, " Chunk lengths: %s", lengthsLabel(meta.Lengths))
	}

	return llm.Assistant(b.String())
}

// MetadataFor derives manifest metadata from the values bound into the
// environment. The context value may be a string, a []string, or a
// map[string]string; anything else is described by its dynamic type with an
// unknown size.
func MetadataFor(context any) Metadata {
	switch v := context.(type) {
	case string:
		return Metadata{ContextType: "string", TotalChars: len(v), Lengths: []int{len(v)}}
	case []string:
		meta := Metadata{ContextType: "[]string"}
		for _, chunk := range v {
			meta.TotalChars += len(chunk)
			meta.Lengths = append(meta.Lengths, len(chunk))
		}
		return meta
	case map[string]string:
		meta := Metadata{ContextType: "map[string]string"}
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			meta.Keys = append(meta.Keys, key)
			meta.Lengths = append(meta.Lengths, len(v[key]))
			meta.TotalChars += len(v[key])
		}
		return meta
	default:
		return Metadata{ContextType: fmt.Sprintf("%T", context)}
	}
}

const userPrompt = "Think step-by-step on what to do using the code environment (which contains the context) to answer the prompt.\n\nContinue using the environment, which has the context variable, and querying sub-LLMs by writing to ```repl``` tags, and determine your answer. Your next action:"

const userPromptWithRoot = "Think step-by-step on what to do using the code environment (which contains the context) to answer the original prompt: %q.\n\nContinue using the environment, which has the context variable, and querying sub-LLMs by writing to ```repl``` tags, and determine your answer. Your next action:"

const firstIterationSafeguard = "You have not interacted with the code environment or seen your prompt / context yet. Your next action should be to look through and figure out how to answer the prompt, so don't just provide a final answer yet.\n\n"

// UserTurn builds the nudge appended before each generation. Iteration 0
// carries a safeguard against answering before inspecting the context.
func UserTurn(rootPrompt string, iteration int) llm.Message {
	body := userPrompt
	if rootPrompt != "" {
		body = fmt.Sprintf(userPromptWithRoot, rootPrompt)
	}
	if iteration == 0 {
		return llm.User(firstIterationSafeguard + body)
	}
	return llm.User("The history before is your previous interactions with the code environment. " + body)
}

// Observation renders an execution result as the user turn fed back to the
// model, truncated to limit characters when limit is positive.
func Observation(output, errText string, limit int) llm.Message {
	var b strings.Builder
	if output != "" {
		b.WriteString("Output:\n")
		b.WriteString(truncate(output, limit))
	}
	if errText != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Error:\n")
		b.WriteString(truncate(errText, limit))
	}
	if b.Len() == 0 {
		b.WriteString("(no output)")
	}
	return llm.User(b.String())
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + fmt.Sprintf("\n... [truncated %s of %s characters]", comma(len(s)-limit), comma(len(s)))
}

func sizeLabel(n int) string {
	switch {
	case n > 1_000_000:
		return fmt.Sprintf("%.1fM chars", float64(n)/1_000_000)
	case n > 1_000:
		return fmt.Sprintf("%.1fK chars", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d chars", n)
	}
}

func displayKey(key string) string {
	if len(key) < 80 {
		return key
	}
	return "..." + key[len(key)-77:]
}

func lengthsLabel(lengths []int) string {
	const limit = 100
	shown := lengths
	var suffix string
	if len(lengths) > limit {
		shown = lengths[:limit]
		suffix = fmt.Sprintf("... [%d others]", len(lengths)-limit)
	}
	parts := make([]string, len(shown))
	for i, n := range shown {
		parts[i] = fmt.Sprintf("%d", n)
	}
	return "[" + strings.Join(parts, " ") + "]" + suffix
}

// comma formats n with thousands separators.
func comma(n int) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteString(",")
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
