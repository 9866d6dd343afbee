package bot

import (
	"fmt"
	"regexp"
)

// User-facing reply texts. Kept in one place so tests can assert against
// them and translations stay trivial.
const (
	replyWelcome = "Hello from TimeProf =D\nType 'help' to see available inputs"

	replyPrompt = "What's up?"

	replyAnswerAck = "Cool, I'll remember that >:)"

	replySwitchCommitted = "Ok, let's continue here"

	replySwitchDeclined = "Ok, I'm out"

	replyGenericError = "Sorry, there was an error. Contact the developer :("

	replyStorageError = "Sorry, something went wrong. Please try again."

	replyInfo = `This is a bot to collect user activity with sampling according to a Poisson process. Every now and then it will ask what you are up to and record it. Reply with a string of whitespace separated lowercase words. To see other available input, send 'help'.

The data saved at each sample is the timestamp, the string provided by the user and the currently set rate of the Poisson process.

Currently maintained at https://github.com/fwerpers/timeprof.`
)

func replySwitchProposal(userID string) string {
	return fmt.Sprintf("Hello %s, you are already registered. Want to move the conversation to this room?", userID)
}

func replyBadActivity(msg string) string {
	return fmt.Sprintf("Expected lowercase words, not '%s'", msg)
}

func replyBadConfirmation(msg string) string {
	return fmt.Sprintf("Expected yes or no, not '%s'", msg)
}

func replyNotValidInput(msg string) string {
	return fmt.Sprintf("'%s' is not valid input. Send 'help' to list valid input", msg)
}

// activityRe is the simple activity phrase grammar: one or more
// whitespace-separated lowercase word tokens, no punctuation.
var activityRe = regexp.MustCompile(`^[a-z]+(\s[a-z]+)*$`)

// isActivityPhrase reports whether msg is a valid activity label.
func isActivityPhrase(msg string) bool {
	return activityRe.MatchString(msg)
}
