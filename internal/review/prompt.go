package review

import "github.com/dukerupert/goaltrack/internal/model"

const systemPrompt = "You are a goal-management analyst who writes clear, data-driven reports. " +
	"Present figures as Markdown tables and do not use images."

var prompts = map[model.ReviewPeriod]string{
	model.PeriodMonth: `Write a detailed monthly review from the goal data below. Include:

1. Goal progress this month
   - a Markdown table of completion rates
   - key progress and milestones
   - highlights
2. Habits
   - a Markdown table of habit consistency
   - how the habits affected daily life
3. Analysis
   - a Markdown table of key figures
   - strongest domains
   - domains that need work
4. Suggestions for next month
   - concrete suggestions based on this month
   - goals to continue
   - new directions`,

	model.PeriodQuarter: `Write a detailed quarterly review from the goal data below. Include:

1. Goal attainment this quarter
   - a Markdown table of completion rates
   - key progress and milestones
   - highlights
2. Progress by domain
   - a Markdown table of progress per domain
   - strongest domains
   - domains that need work
3. Habit trends
   - a Markdown table of habit consistency
   - how the habits affected daily life
4. Plan for next quarter
   - concrete suggestions based on this quarter
   - goals to continue
   - new directions`,

	model.PeriodYear: `Write a detailed annual review from the goal data below. Include:

1. The year at a glance
   - a Markdown table of goals set and completed
   - the most important achievements
2. Growth by domain
   - a Markdown table of progress per domain
   - where the year went well and where it did not
3. Habits over the year
   - a Markdown table of habit consistency by quarter
   - habits worth keeping
4. Direction for next year
   - themes to focus on
   - goals to carry over`,
}

// Prompt returns the report instructions for a period.
func Prompt(period model.ReviewPeriod) string {
	if p, ok := prompts[period]; ok {
		return p
	}
	return prompts[model.PeriodMonth]
}
