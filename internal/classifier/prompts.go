package classifier

import (
	"fmt"
	"strings"

	"github.com/guardline/scanengine/internal/models"
)

// buildSystemPrompt parameterizes the triage instructions by the subject's
// age band and declared gender. Four bands: <=10, 11-13, 14-16, 17-18.
func buildSystemPrompt(profile models.SubjectProfile) string {
	age := profile.Age
	if age == 0 {
		age = 12
	}

	var ageGuidance string
	switch {
	case age <= 10:
		ageGuidance = fmt.Sprintf(`The subject is %d years old - maximum sensitivity.
- Flag any sexual language, even mild
- Flag any violent content
- Use a low threshold for every category
- Pay particular attention to adults conversing with the child`, age)
	case age <= 13:
		ageGuidance = fmt.Sprintf(`The subject is %d years old - high sensitivity.
- Social exclusion is especially common at this age, watch for it closely
- Flag any content related to dating or romantic pressure
- Bullying is very common at this age, keep a high alert for it`, age)
	case age <= 16:
		ageGuidance = fmt.Sprintf(`The subject is %d years old - moderate sensitivity.
- Focus on serious threats: drugs, grooming, suicidal ideation
- Some coarse language is normal at this age, do not report mild profanity
- Watch for sextortion and sexting`, age)
	default:
		ageGuidance = fmt.Sprintf(`The subject is %d years old - critical findings only.
- Drugs, sexual exploitation, suicidal ideation
- Ordinary social conflicts: do not report
- Coarse language and jokes are not relevant at this age`, age)
	}

	var genderGuidance string
	switch profile.Gender {
	case "girl":
		genderGuidance = `The subject is a girl - heightened sensitivity to:
- Grooming and sexual harassment
- Negative body image, remarks about appearance
- Social exclusion and gossip
- Peer pressure to send photos`
	case "boy":
		genderGuidance = `The subject is a boy - heightened sensitivity to:
- Violence and physical threats
- Drug and alcohol use
- Aggressive bullying
- Dangerous challenges`
	}

	return fmt.Sprintf(`You are a child safety system. You analyze a minor's chat conversations and detect dangerous content.
%s
%s

You look for the following categories (in order of severity):

CRITICAL:
1. exclusion - social exclusion, deliberate isolation, "don't invite them", removal from groups, talking behind someone's back
2. suicidal - suicidal thoughts, self-harm, "I don't want to live", "I'd rather die", goodbye messages
3. grooming - an adult building a relationship for sexual exploitation: excessive flattery, secrecy, gifts, gradually raising sexual topics, requests for photos
4. sexual - unwanted sexual content, sexting, sending/requesting nude photos, sexual pressure, sharing intimate images
5. drugs - conversations about use/buying/selling, code words and emojis, invitations to use

HIGH:
6. bullying - humiliation, name-calling, threats, extortion, embarrassing photos
7. violence - threats of violence, weapons, planning fights

MEDIUM:
8. pressure - "if you don't do X", "everyone is doing it", dangerous challenges
9. language - racism, homophobia, unusually degrading language

Important:
- You receive new messages plus context (preceding messages). Analyze the new messages in the context of the conversation.
- The subject's own messages are role-labelled; all other messages are from other participants.
- Watch for slang, multiple languages, emojis and code words.
- Do not report normal conversations. Only real findings.
- State a confidence (0-1). Do not report anything below %.1f.
- Never quote the original message text in the summary or recommendation. Describe the finding in general terms. Naming contacts and groups is allowed.

Answer in JSON:
{
  "findings": [
    {
      "severity": "critical|high|medium|low|info",
      "category": "exclusion|suicidal|grooming|sexual|drugs|bullying|violence|pressure|language",
      "summary": "a short summary of what was detected",
      "recommendation": "a recommendation for the guardian",
      "confidence": 0.0-1.0
    }
  ]
}

If there are no findings, return: { "findings": [] }`, ageGuidance, genderGuidance, MinConfidence)
}

// formatMessage renders one timestamped, role-labelled prompt line. A media
// transcript substitutes for the raw attachment.
func formatMessage(m models.Message, subjectName string) string {
	sender := m.SenderName
	if m.FromSubject {
		sender = subjectName
	}
	if sender == "" {
		sender = "participant"
	}
	text := m.Body
	if m.Transcript != "" {
		text = fmt.Sprintf("%s | transcript: %q", m.Body, m.Transcript)
	}
	return fmt.Sprintf("%s [%s]: %s", m.Timestamp.Format("15:04"), sender, text)
}

func formatMessages(msgs []models.Message, subjectName string) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, formatMessage(m, subjectName))
	}
	return strings.Join(lines, "\n")
}

func chatHeader(chat ChatContext) string {
	if chat.IsGroup {
		return fmt.Sprintf("Group: %q", chat.Name)
	}
	return fmt.Sprintf("Direct chat with: %s", chat.Name)
}

func buildUserPrompt(profile models.SubjectProfile, chat ChatContext, contextMsgs, newMsgs []models.Message) string {
	var b strings.Builder
	b.WriteString(chatHeader(chat))
	b.WriteString("\n")
	if profile.Age > 0 {
		fmt.Fprintf(&b, "Subject: %s, age %d\n", profile.Name, profile.Age)
	} else {
		fmt.Fprintf(&b, "Subject: %s\n", profile.Name)
	}
	b.WriteString("\n")
	if len(contextMsgs) > 0 {
		fmt.Fprintf(&b, "-- Context (%d preceding messages) --\n", len(contextMsgs))
		b.WriteString(formatMessages(contextMsgs, profile.Name))
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "-- New messages to scan (%d) --\n", len(newMsgs))
	b.WriteString(formatMessages(newMsgs, profile.Name))
	return b.String()
}

func buildDeepPrompt(profile models.SubjectProfile, chat ChatContext, contextMsgs, newMsgs []models.Message, priorJSON string) string {
	var b strings.Builder
	b.WriteString("Deep analysis:\n\n")
	b.WriteString(chatHeader(chat))
	fmt.Fprintf(&b, "\nSubject: %s\n\n", profile.Name)
	fmt.Fprintf(&b, "Initial findings:\n%s\n\n", priorJSON)
	b.WriteString("-- Context --\n")
	b.WriteString(formatMessages(contextMsgs, profile.Name))
	b.WriteString("\n\n-- New messages --\n")
	b.WriteString(formatMessages(newMsgs, profile.Name))
	b.WriteString(`

Perform a deep analysis. Check:
1. Are the initial findings accurate? Some may be false positives.
2. Is there context that changes their meaning?
3. What is the real risk level?
4. What is the precise recommendation for the guardian?

Answer in JSON as before.`)
	return b.String()
}

func buildAssessPrompt(profile models.SubjectProfile, contactName string, msgs []models.Message) string {
	ageLabel := ""
	if profile.Age > 0 {
		ageLabel = fmt.Sprintf(", age %d,", profile.Age)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You analyze children's conversations. %s%s has started talking with a new contact named %q.\n\n",
		profile.Name, ageLabel, contactName)
	b.WriteString("Here is the conversation so far:\n")
	for _, m := range msgs {
		sender := contactName
		if m.FromSubject {
			sender = profile.Name
		}
		fmt.Fprintf(&b, "[%s]: %s\n", sender, m.Body)
	}
	b.WriteString(`
Briefly assess (2-3 sentences):
1. Who is this contact likely to be (a peer? an adult? unclear?)
2. Is there anything that needs attention?
3. Overall: fine / worth watching / concerning

Do not quote the messages. Answer with plain text only, not JSON.`)
	return b.String()
}
