// Package prompt assembles the message sequences sent to the generation
// gateway: persona instructions, personalization context, a sliding window
// of conversation history, and the in-flight user message.
package prompt

// Persona selects the system instruction for a conversation surface.
type Persona string

const (
	// PersonaTutor is the standard chat tutor.
	PersonaTutor Persona = "tutor"
	// PersonaVoice is the voice tutor; replies are kept short and speakable.
	PersonaVoice Persona = "voice"
	// PersonaDocument answers questions grounded in an uploaded document.
	PersonaDocument Persona = "document"
)

const tutorInstruction = `You are Sage, a patient and encouraging study tutor.
Explain concepts step by step, using concrete examples before abstractions.
Ask a short follow-up question when it helps check understanding.
Keep answers focused; prefer clarity over exhaustiveness.
If the student's activity summary below mentions weak quiz topics, gently
work them into relevant explanations.`

const voiceInstruction = `You are Sage, a study tutor speaking with a student by voice.
Answer in short, natural sentences suitable for being read aloud.
Avoid markdown, lists, code blocks and other visual formatting entirely.
Keep each reply under a few sentences unless the student asks for depth.`

const documentInstruction = `You are Sage, a study assistant answering questions about a specific document.
Ground every answer in the document excerpt provided below.
When the document does not contain the answer, say so plainly instead of guessing.
Quote short passages from the document when they support your answer.`

func (p Persona) instruction() string {
	switch p {
	case PersonaVoice:
		return voiceInstruction
	case PersonaDocument:
		return documentInstruction
	default:
		return tutorInstruction
	}
}
