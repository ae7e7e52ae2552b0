package guidance

import "fmt"

// buildPrompt renders the deterministic guidance prompt for a finding. The
// model is told not to diagnose and to steer toward professional
// consultation; responses are anchored with a fixed opening phrase.
func buildPrompt(finding string, isAnomaly bool) string {
	var findingText string
	if isAnomaly && finding == "Normal" {
		findingText = "The model did not find signs of pneumonia but did flag some unusual areas in the image that may warrant a closer look."
	} else {
		findingText = fmt.Sprintf("The model's primary finding is: %s.", finding)
	}

	return fmt.Sprintf(
		"You are an AI health assistant. Based on the finding: '%s', provide empathetic guidance. "+
			"Focus on next steps like consulting a professional. Do not diagnose. "+
			"Start with 'Based on the findings:'",
		findingText,
	)
}
