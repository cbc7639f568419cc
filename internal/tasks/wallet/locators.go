// internal/tasks/wallet/locators.go
package wallet

import "github.com/xkilldash9x/chromefleet/internal/browser"

// Page texts, compared case-insensitively.
const (
	textImport     = "i have an account"
	textUnlock     = "unlock"
	textAddress    = "0x"
	textWrongPin   = "incorrect pin code"
	textDailyKarma = "Click here to claim your daily karma"
	textClaim      = "claim"
	textClaimed    = "Come back tomorrow after midnight UTC for more karma"
	textLegacyOwn  = "(legacy wallet)"
)

var (
	locTitle        = browser.Tag("title")
	locButtons      = browser.Tag("button")
	locParagraphs   = browser.Tag("p")
	locInput        = browser.Tag("input")
	locUnlock       = browser.XPath(`//button[contains(text(), "Unlock")]`)
	locLoaded       = browser.XPath(`//html[contains(@class, "haha-loaded")]`)
	locChain        = browser.CSS(`[class="text-nowrap mr-2"]`)
	locLegacyWallet = browser.XPath(`//p[contains(text(), "Legacy Wallet")]`)
	locSend         = browser.XPath(`//button[p[contains(text(), "Send")]]`)
	locAsset        = browser.XPath(`//button[.//p[text()="ETH"]]`)
	locAssetBalance = browser.XPath(`./div[last()]`)
	locContinue     = browser.XPath(`//button[not(@disabled) and contains(text(), "Continue")]`)
	locNext         = browser.XPath(`//button[not(@disabled) and contains(text(), "Next")]`)
	locConfirm      = browser.XPath(`//button[not(@disabled) and contains(text(), "Confirm")]`)
	locInsufficient = browser.XPath(`//p[contains(text(),"Insufficient funds")]`)
)
