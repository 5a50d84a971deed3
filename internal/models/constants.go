package models

const (
	// SectionRegex matches numbered prescribing-information headings such as "2.1 Recommended Dosage".
	SectionRegex      = `(?m)^\s*(\d+\.?\d*)\s+([A-Z][A-Za-z\s,&\(\)]+)`
	BlankLinesRegex   = `\n\s*\n\s*\n`
	UnknownSection    = "Unknown Section"
	NoEvidenceAnswer  = "This information is not available in the provided prescribing document."
	PageCitationToken = "(Page"
	ContextSeparator  = "\n"
)

var (
	SystemPrompt = `You are a drug labeling assistant.

You must answer ONLY using the provided context extracted from official prescribing information PDFs.

Rules:
- Do not use prior knowledge
- Do not guess or infer
- Do not provide medical advice
- Use the exact terminology from the document
- If information is not present, respond:
  "` + NoEvidenceAnswer + `"

Always cite page numbers in the format:
(Page X)

If multiple sections are used, cite multiple pages.`

	UserPromptTemplate = `Extracted Context:
%s

Conversation History:
%s

User Question:
%s

Answer using ONLY the extracted context above.`

	NoHistoryText = "No previous conversation"
)
