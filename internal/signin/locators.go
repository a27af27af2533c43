package signin

import (
	"fmt"
	"sort"
	"strings"
)

// Locators are the XPath expressions the workflow drives. They can be
// overridden by name from a YAML file when the site markup changes.
type Locators struct {
	OneKeySign       string
	OneKeySignStart  string
	OneKeySignSigned string
	SignedCount      string
	UnsignedCount    string
	OneKeySignClose  string
	RecentUnsigned   string
	ViewMore         string
	MoreUnsigned     string
	SignComplete     string
	SignButton       string
}

const loveBar = `/html/body//div[@id="left-cont-wraper"]`

// DefaultLocators returns the locators for the current forum markup.
func DefaultLocators() Locators {
	return Locators{
		OneKeySign:       `/html/body//div[@id="onekey_sign"]//a`,
		OneKeySignStart:  `/html/body/div//div[@id="dialogJbody"]//div[count(.//a)=1 and count(.//p) = 1]//a`,
		OneKeySignSigned: `/html/body/div//div[@id="dialogJbody"]//span[contains(@class,"sign_fail") or contains(@class,"sign_suc")]`,
		SignedCount:      `/html/body/div//div[@id="dialogJbody"]//span[contains(@class,"signnum_succ")]`,
		UnsignedCount:    `/html/body/div//div[@id="dialogJbody"]//span[contains(@class,"signnum_fail")]`,
		OneKeySignClose:  `/html/body/div//div[@class="dialogJtitle"]/a`,
		RecentUnsigned:   loveBar + `//div[@id="likeforumwraper"]//a[contains(@class,"unsign")]`,
		ViewMore:         loveBar + `//div[@id="moreforum"]`,
		MoreUnsigned:     `/html/body/div//div[@id="forumscontainer"]//a[@class="unsign"]`,
		SignComplete:     `/html/body/div//a[@title="签到完成"]`,
		SignButton:       `/html/body/div//a[@title="签到"]`,
	}
}

func (l *Locators) fields() map[string]*string {
	return map[string]*string{
		"one_key_sign":        &l.OneKeySign,
		"one_key_sign_start":  &l.OneKeySignStart,
		"one_key_sign_signed": &l.OneKeySignSigned,
		"signed_count":        &l.SignedCount,
		"unsigned_count":      &l.UnsignedCount,
		"one_key_sign_close":  &l.OneKeySignClose,
		"recent_unsigned":     &l.RecentUnsigned,
		"view_more":           &l.ViewMore,
		"more_unsigned":       &l.MoreUnsigned,
		"sign_complete":       &l.SignComplete,
		"sign_button":         &l.SignButton,
	}
}

// Apply replaces locators by name. Unknown names are rejected so a typo in
// the override file does not go unnoticed.
func (l *Locators) Apply(overrides map[string]string) error {
	fields := l.fields()
	var unknown []string
	for name := range overrides {
		if _, ok := fields[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown locator names: %s", strings.Join(unknown, ", "))
	}
	for name, xp := range overrides {
		*fields[name] = xp
	}
	return nil
}
