package chargepoint

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/chromedp/chromedp"
)

const activityPageURL = "https://driver.chargepoint.com/charging-activity"

var sessionIDPattern = regexp.MustCompile(`(?i)session["']?\s*[:=]\s*["']?(\d+)`)

// FetchActivityPageSessionIDs is the fallback when the JSON history endpoint
// fails: render the charging-activity page in a headless browser and pull
// session IDs out of the markup. The page is client-rendered, so a plain GET
// would return an empty shell.
func FetchActivityPageSessionIDs(ctx context.Context, authToken string) ([]string, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
		)...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	browserCtx, cancelTimeout := context.WithTimeout(browserCtx, 60*time.Second)
	defer cancelTimeout()

	var html string
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(activityPageURL),
		chromedp.Evaluate(fmt.Sprintf(
			`window.localStorage.setItem("auth_token", %q);`, authToken), nil),
		chromedp.Navigate(activityPageURL),
		chromedp.Sleep(5*time.Second), // let the client-side app fetch its data
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to render charging activity page: %v", err)
	}

	matches := sessionIDPattern.FindAllStringSubmatch(html, -1)
	seen := make(map[string]bool)
	var ids []string
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			ids = append(ids, m[1])
		}
	}

	log.Printf("ChargePoint: Activity page fallback found %d session ids", len(ids))
	return ids, nil
}

// SessionIDsFromActivityPage runs the headless-browser fallback using the
// client's current auth token.
func (c *Client) SessionIDsFromActivityPage(ctx context.Context) ([]string, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}
	return FetchActivityPageSessionIDs(ctx, token)
}
