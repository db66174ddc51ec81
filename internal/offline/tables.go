package offline

// SuicideRiskKeywords are matched as case-insensitive substrings of the input.
var SuicideRiskKeywords = []string{
	"suicide",
	"kill myself",
	"end it all",
	"want to die",
	"no reason to live",
	"better off dead",
}

// SuicideRiskResponse is returned whenever a risk keyword is present.
const SuicideRiskResponse = "I'm really sorry you're feeling this way. " +
	"Please talk to a mental health professional or contact a crisis hotline right away. " +
	"Your safety is very important."

// FAQResponses maps normalized FAQ questions to their answers.
var FAQResponses = map[string]string{
	"how do i cancel my subscription?": `Visit our FAQ page here and follow the "Subscription" instructions.`,
	"what are your office hours?":      "Our hours are 9 AM to 5 PM, Monday through Friday. Check the 'Contact Us' section on our FAQ page for details.",
	"how long are sessions":            "Therapy sessions typically last 50 minutes.",
	"is it confidential":               "Yes, all therapy sessions are completely confidential within legal limits.",
}

// NormalResponses maps normalized small-talk prompts to canned answers.
var NormalResponses = map[string]string{
	"hello":          "Hello! I'm Clare. How are you feeling today?",
	"how are you?":   "I'm here and ready to listen. How are things with you?",
	"thank you":      "You're welcome. I'm here whenever you want to talk.",
	"thanks":         "You're welcome. I'm here whenever you want to talk.",
	"i feel sad":     "I'm sorry you're feeling sad. Would you like to tell me more about what's on your mind?",
	"i feel anxious": "I'm sorry to hear that. Can you tell me more about what's making you anxious?",
	"i'm stressed":   "Stress can be tough. Have you tried any relaxation techniques today?",
	"goodbye":        "Take care of yourself. I'm here whenever you need me.",
}

// CheckInTriggers start a check-in conversation.
var CheckInTriggers = []string{
	"check in",
	"check-in",
	"checkin",
	"i want to check in",
	"start check-in",
}

// ConversationOpener is the fixed greeting used for system-initiated check-ins.
const ConversationOpener = "Hi"

// CheckInOpeningPrompt opens a check-in conversation.
const CheckInOpeningPrompt = "Hi! How are you doing today?"

// NoAnswerResponse is returned when no table matches.
const NoAnswerResponse = "I'm sorry, I don't have an answer for that. Please check our FAQ page for more information."
