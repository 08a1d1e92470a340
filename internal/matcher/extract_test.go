package matcher

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/leadforge/dealbot/internal/domain"
)

func TestDetectOrderType(t *testing.T) {
	cases := []struct {
		text string
		want domain.OrderType
		ok   bool
	}{
		{"Куплю iPhone 15 Pro Max за 95000", domain.OrderTypeBuy, true},
		{"продам macbook air 2024, 70 000 руб", domain.OrderTypeSell, true},
		{"WTB rtx 4090 100000", domain.OrderTypeBuy, true},
		{"PS5 в наличии, 55000", domain.OrderTypeSell, true},
		{"куплю или продам что угодно", "", false},
		{"привет, как дела?", "", false},
	}
	for _, tc := range cases {
		got, ok := DetectOrderType(tc.text)
		if ok != tc.ok || got != tc.want {
			t.Errorf("DetectOrderType(%q) = (%q, %v), want (%q, %v)", tc.text, got, ok, tc.want, tc.ok)
		}
	}
}

func TestExtractPrice(t *testing.T) {
	cases := []struct {
		text string
		want string
		ok   bool
	}{
		{"куплю iphone 15 pro max 95000", "95000", true},
		{"продам за 90 000 руб", "90000", true},
		{"macbook 70000.50", "70000.5", true},
		// The currency-tagged number wins over the larger bare one.
		{"iphone 15 за 95000 руб, торг", "95000", true},
		// Thousands suffixes multiply; "iphone 15" must not shadow "95к".
		{"продам iphone 15 за 95к", "95000", true},
		{"куплю ноутбук за 50 тыс руб", "50000", true},
		{"отдам за 95 тысяч", "95000", true},
		{"macbook за 70K", "70000", true},
		// A unit word starting with "к" is not a multiplier.
		{"продам гирю 16 кг за 3000 руб", "3000", true},
		{"продам гараж", "", false},
	}
	for _, tc := range cases {
		got, ok := ExtractPrice(tc.text)
		if ok != tc.ok {
			t.Errorf("ExtractPrice(%q) ok = %v, want %v", tc.text, ok, tc.ok)
			continue
		}
		if !ok {
			continue
		}
		want, err := decimal.NewFromString(tc.want)
		if err != nil {
			t.Fatalf("bad want %q: %v", tc.want, err)
		}
		if !got.Equal(want) {
			t.Errorf("ExtractPrice(%q) = %s, want %s", tc.text, got, want)
		}
	}
}

func TestExtractProductKeepsModelNumbers(t *testing.T) {
	got := ExtractProduct("куплю iphone 15 pro max 95000")
	if got != "iphone 15 pro max" {
		t.Errorf("ExtractProduct = %q, want %q", got, "iphone 15 pro max")
	}
}

func TestOrderFromMessage(t *testing.T) {
	o, ok := OrderFromMessage(100, 200, "Куплю iPhone 15 Pro Max 95000 руб")
	if !ok {
		t.Fatal("expected message to parse as an order")
	}
	if o.Type != domain.OrderTypeBuy {
		t.Errorf("type = %s, want %s", o.Type, domain.OrderTypeBuy)
	}
	if o.ProductKey != "iphone 15 pro max" {
		t.Errorf("product key = %q, want %q", o.ProductKey, "iphone 15 pro max")
	}
	if want := decimal.NewFromInt(95000); !o.Price.Equal(want) {
		t.Errorf("price = %s, want %s", o.Price, want)
	}
	if !o.Active {
		t.Error("parsed order must start active")
	}
	if o.ChatID != 100 || o.SenderID != 200 {
		t.Errorf("identity = (%d, %d), want (100, 200)", o.ChatID, o.SenderID)
	}

	if _, ok := OrderFromMessage(100, 200, "куплю что-нибудь недорого"); ok {
		t.Error("message without a price must not parse")
	}
}
