package matcher

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/leadforge/dealbot/internal/domain"
)

// Keyword tables for intent detection. Matching is case-insensitive substring
// search over the whole message, so multi-word markers work too.
var (
	buyMarkers = []string{
		"куплю", "покупаю", "ищу", "нужен", "нужна", "нужно", "возьму", "приму",
		"buy", "wtb", "looking for",
	}
	sellMarkers = []string{
		"продам", "продаю", "отдам", "в наличии", "готов продать",
		"sell", "wts", "for sale",
	}
)

var (
	// Group 1 is the amount, group 2 an optional thousands suffix
	// ("95к", "95 тыс", "95 тысяч"), group 3 the optional currency marker.
	priceRe = regexp.MustCompile(`(?i)(\d[\d ]*(?:[.,]\d+)?)\s*(тысяч[а-яё]*|тыс\.?|[кk])?\s*(руб\.?|р\.?|₽|\$|usd|eur|€|грн)?`)
	spaceRe = regexp.MustCompile(`\s+`)

	thousand = decimal.NewFromInt(1000)
)

// DetectOrderType classifies a chat message as a buy or sell intent. Messages
// carrying markers of both kinds, or neither, are not orders.
func DetectOrderType(text string) (domain.OrderType, bool) {
	lower := strings.ToLower(text)
	buy := containsAny(lower, buyMarkers)
	sell := containsAny(lower, sellMarkers)
	switch {
	case buy && !sell:
		return domain.OrderTypeBuy, true
	case sell && !buy:
		return domain.OrderTypeSell, true
	default:
		return "", false
	}
}

func containsAny(lower string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// findPrice locates the price token in a message. A number tagged with a
// currency marker wins outright; otherwise the largest number is taken, so
// model numbers like "iphone 15" do not shadow "90000". Thousands suffixes
// multiply ("95к" is 95000). The raw matched text is returned so callers can
// strip exactly that token.
func findPrice(text string) (price decimal.Decimal, token string, ok bool) {
	matches := priceRe.FindAllStringSubmatchIndex(text, -1)
	for _, m := range matches {
		raw := strings.ReplaceAll(text[m[2]:m[3]], " ", "")
		raw = strings.ReplaceAll(raw, ",", ".")
		v, err := decimal.NewFromString(raw)
		if err != nil || !v.IsPositive() {
			continue
		}

		matched := text[m[0]:m[1]]
		if m[4] >= 0 {
			if thousandsSuffix(text[m[4]:m[5]], text[m[5]:]) {
				v = v.Mul(thousand)
			} else {
				// The suffix starts an unrelated word ("95 кг"); the
				// token ends at the number itself.
				matched = text[m[0]:m[3]]
			}
		}

		tagged := m[6] >= 0
		if tagged {
			return v, matched, true
		}
		if !ok || v.GreaterThan(price) {
			price, token = v, matched
			ok = true
		}
	}
	return price, token, ok
}

// thousandsSuffix reports whether a matched suffix really is a thousands
// multiplier. The one-letter forms only count when not glued to the start of
// a longer word, so "95 кг" stays 95.
func thousandsSuffix(suffix, rest string) bool {
	switch strings.ToLower(suffix) {
	case "к", "k":
		r, _ := utf8.DecodeRuneInString(rest)
		return !unicode.IsLetter(r)
	default:
		return true
	}
}

// ExtractPrice pulls the price out of a message. Thousands separators written
// as spaces ("90 000") and decimal commas are accepted.
func ExtractPrice(text string) (decimal.Decimal, bool) {
	price, _, ok := findPrice(text)
	return price, ok
}

// ExtractProduct strips intent markers and the price token from the message,
// leaving the product description.
func ExtractProduct(text string) string {
	lower := strings.ToLower(text)
	if _, token, ok := findPrice(lower); ok {
		lower = strings.Replace(lower, strings.TrimSpace(token), " ", 1)
	}
	for _, m := range buyMarkers {
		lower = strings.ReplaceAll(lower, m, " ")
	}
	for _, m := range sellMarkers {
		lower = strings.ReplaceAll(lower, m, " ")
	}
	lower = strings.Trim(spaceRe.ReplaceAllString(lower, " "), " .,!?-")
	return lower
}

// OrderFromMessage parses a raw chat message into an order. The second return
// is false when the message is not recognizable as one: no clear intent, no
// price, or no product left after stripping.
func OrderFromMessage(chatID, senderID int64, text string) (domain.Order, bool) {
	typ, ok := DetectOrderType(text)
	if !ok {
		return domain.Order{}, false
	}
	price, ok := ExtractPrice(text)
	if !ok {
		return domain.Order{}, false
	}
	product := ExtractProduct(text)
	if product == "" {
		return domain.Order{}, false
	}

	return domain.Order{
		ID:         uuid.New().String(),
		Type:       typ,
		Product:    product,
		ProductKey: domain.NormalizeProduct(product),
		Price:      price,
		Quantity:   "1",
		ChatID:     chatID,
		SenderID:   senderID,
		RawText:    text,
		Active:     true,
	}, true
}
