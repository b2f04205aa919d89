// Package voice builds the XML responses the telephony provider plays
// to queued callers.
package voice

import (
	"encoding/xml"
	"fmt"
)

// Message is one configurable announcement. When AudioURL is set the
// recording is played, otherwise Text is spoken.
type Message struct {
	Text     string
	AudioURL string
}

// response is the provider XML document root.
type response struct {
	XMLName  xml.Name `xml:"Response"`
	Children []any
}

type getDigits struct {
	XMLName   xml.Name `xml:"GetDigits"`
	Action    string   `xml:"action,attr"`
	NumDigits int      `xml:"numDigits,attr"`
	Timeout   int      `xml:"timeout,attr"`
	Children  []any
}

type play struct {
	XMLName xml.Name `xml:"Play"`
	Loop    string   `xml:"loop,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

type speak struct {
	XMLName xml.Name `xml:"Speak"`
	Text    string   `xml:",chardata"`
}

type wait struct {
	XMLName xml.Name `xml:"Wait"`
	Length  int      `xml:"length,attr"`
}

type redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	URL     string   `xml:",chardata"`
}

type record struct {
	XMLName     xml.Name `xml:"Record"`
	MaxLength   int      `xml:"maxLength,attr"`
	FinishOnKey string   `xml:"finishOnKey,attr"`
	PlayBeep    bool     `xml:"playBeep,attr"`
}

type dial struct {
	XMLName  xml.Name `xml:"Dial"`
	Children []any
}

type dialNumber struct {
	XMLName xml.Name `xml:"Number"`
	Value   string   `xml:",chardata"`
}

func render(children ...any) (string, error) {
	out, err := xml.Marshal(response{Children: children})
	if err != nil {
		return "", fmt.Errorf("rendering voice response: %w", err)
	}
	return xml.Header + string(out), nil
}

func messageElement(m Message) any {
	if m.AudioURL != "" {
		return play{URL: m.AudioURL}
	}
	return speak{Text: m.Text}
}

// QueueParams carries the URLs a queued-call response needs.
type QueueParams struct {
	// DigitsURL receives the caller's menu choice.
	DigitsURL string
	// RedirectURL is hit when the welcome message finishes without input.
	RedirectURL string
	// HoldingMusicURL is the looping hold audio.
	HoldingMusicURL string
	// WelcomeMessage is the queue announcement.
	WelcomeMessage Message
}

// InitialResponse greets a newly enqueued caller: one digit collection
// around the welcome message, then a redirect that marks the call ready
// for dequeue.
func InitialResponse(p QueueParams) (string, error) {
	return render(
		getDigits{
			Action:    p.DigitsURL,
			NumDigits: 1,
			Timeout:   1,
			Children:  []any{messageElement(p.WelcomeMessage)},
		},
		redirect{URL: p.RedirectURL},
	)
}

// HoldResponse keeps a waiting caller on the line: ten rounds of
// announcement plus holding music inside a digit collection, then the
// music looping forever. playMessageFirst controls whether the
// announcement precedes the music in each round; the first hold
// response after the greeting plays music first so the caller does not
// hear the announcement twice in a row.
func HoldResponse(p QueueParams, playMessageFirst bool) (string, error) {
	children := make([]any, 0, 21)
	for i := 0; i < 10; i++ {
		if playMessageFirst {
			children = append(children, messageElement(p.WelcomeMessage))
		}
		children = append(children, play{URL: p.HoldingMusicURL})
		if !playMessageFirst {
			children = append(children, messageElement(p.WelcomeMessage))
		}
	}
	children = append(children, play{URL: p.HoldingMusicURL, Loop: "0"})

	return render(getDigits{
		Action:    p.DigitsURL,
		NumDigits: 1,
		Timeout:   1,
		Children:  children,
	})
}

// WaitResponse keeps the call alive while an async transfer is in
// flight; without it the provider would hang up before the transfer
// lands.
func WaitResponse() (string, error) {
	return render(wait{Length: 10})
}

// AckResponse plays an acknowledgment and ends the interaction.
func AckResponse(m Message) (string, error) {
	return render(messageElement(m))
}

// VoicemailResponse plays the prompt and records the caller's message.
func VoicemailResponse(prompt Message) (string, error) {
	return render(
		messageElement(prompt),
		record{MaxLength: 120, FinishOnKey: "#", PlayBeep: true},
	)
}

// DialResponse bridges the caller to an external number.
func DialResponse(to string) (string, error) {
	return render(dial{Children: []any{dialNumber{Value: to}}})
}
