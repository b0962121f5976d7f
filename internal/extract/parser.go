/**
 * @description
 * Pattern rules that turn raw OCR text from a SPEI receipt into structured
 * fields. Parsing is best-effort and order-independent: every field is
 * located independently, so a torn or badly recognized receipt still yields
 * whatever fields survived. The pipeline decides which partial extractions
 * are usable.
 *
 * Receipts from different banks label the same data differently ("Clave de
 * rastreo", "No. de rastreo", "Banco emisor", "Institución ordenante"); the
 * patterns here cover the label variants seen across the large Mexican banks.
 */

package extract

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesoswap/verification-service/internal/domain"
)

var (
	// A clave de rastreo is a 14-30 char alphanumeric token. Requiring at
	// least two letters keeps plain CLABEs (18 digits) and card numbers out.
	trackingCodeRe = regexp.MustCompile(`\b[A-Z0-9]{14,30}\b`)
	trackingAlpha  = regexp.MustCompile(`[A-Z].*[A-Z]`)

	trackingLabelRe = regexp.MustCompile(`(?i)(?:clave|n[uú]mero|no\.?)\s+de\s+rastreo[:\s]*([A-Z0-9]{10,30})`)

	amountLabelRe = regexp.MustCompile(`(?i)(?:monto|importe|cantidad)[^0-9$]*\$?\s*((?:\d{1,3}(?:,\d{3})+|\d+)\.\d{2})`)
	amountAnyRe   = regexp.MustCompile(`\$\s*((?:\d{1,3}(?:,\d{3})+|\d+)\.\d{2})`)

	bankLabelRe = regexp.MustCompile(`(?i)(?:banco\s+(?:emisor|ordenante|origen)|instituci[oó]n\s+ordenante|banco)\s*[:\s]\s*([A-Za-zÁÉÍÓÚÑáéíóúñ][A-Za-zÁÉÍÓÚÑáéíóúñ0-9 .]{1,40})`)

	accountLabelRe = regexp.MustCompile(`(?i)(?:cuenta(?:\s+(?:beneficiaria|destino|clabe))?|clabe)[^0-9]{0,12}[*Xx• ]*(\d{4,18})\b`)

	dateNumericRe = regexp.MustCompile(`\b(\d{1,2})[/-](\d{1,2})[/-](\d{4})\b`)
	dateISORe     = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	dateSpanishRe = regexp.MustCompile(`(?i)\b(\d{1,2})\s+de\s+([a-záéíóú]+)\s+(?:de\s+)?(\d{4})\b`)
)

var spanishMonths = map[string]time.Month{
	"enero": time.January, "febrero": time.February, "marzo": time.March,
	"abril": time.April, "mayo": time.May, "junio": time.June,
	"julio": time.July, "agosto": time.August, "septiembre": time.September,
	"octubre": time.October, "noviembre": time.November, "diciembre": time.December,
}

// ParseReceiptText locates the known SPEI receipt fields in raw OCR text.
// Missing fields are left zero; the caller checks Usable().
func ParseReceiptText(text string) domain.ExtractedReceipt {
	receipt := domain.ExtractedReceipt{
		TrackingCode:  parseTrackingCode(text),
		RawBankName:   parseBankName(text),
		AccountSuffix: parseAccountSuffix(text),
	}
	if amount, ok := parseAmount(text); ok {
		receipt.Amount = &amount
	}
	if date, ok := parseDate(text); ok {
		receipt.TransferDate = &date
	}
	return receipt
}

func parseTrackingCode(text string) string {
	// A labeled value wins over a bare token elsewhere on the receipt.
	if m := trackingLabelRe.FindStringSubmatch(text); m != nil {
		return strings.ToUpper(m[1])
	}
	for _, candidate := range trackingCodeRe.FindAllString(strings.ToUpper(text), -1) {
		if trackingAlpha.MatchString(candidate) {
			return candidate
		}
	}
	return ""
}

func parseBankName(text string) string {
	m := bankLabelRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	name := strings.TrimSpace(m[1])
	// OCR tends to run the next label into the captured line.
	if idx := strings.IndexAny(name, "\r\n"); idx >= 0 {
		name = strings.TrimSpace(name[:idx])
	}
	return name
}

func parseAmount(text string) (decimal.Decimal, bool) {
	var raw string
	if m := amountLabelRe.FindStringSubmatch(text); m != nil {
		raw = m[1]
	} else if m := amountAnyRe.FindStringSubmatch(text); m != nil {
		raw = m[1]
	} else {
		return decimal.Decimal{}, false
	}

	amount, err := decimal.NewFromString(strings.ReplaceAll(raw, ",", ""))
	if err != nil || amount.Sign() <= 0 {
		return decimal.Decimal{}, false
	}
	return amount, true
}

func parseAccountSuffix(text string) string {
	m := accountLabelRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

func parseDate(text string) (time.Time, bool) {
	if m := dateISORe.FindStringSubmatch(text); m != nil {
		if t, err := time.Parse("2006-01-02", m[0]); err == nil {
			return t, true
		}
	}
	if m := dateNumericRe.FindStringSubmatch(text); m != nil {
		// Mexican receipts are day-first.
		if t, err := time.Parse("2-1-2006", m[1]+"-"+m[2]+"-"+m[3]); err == nil {
			return t, true
		}
	}
	if m := dateSpanishRe.FindStringSubmatch(text); m != nil {
		month, ok := spanishMonths[strings.ToLower(m[2])]
		if !ok {
			return time.Time{}, false
		}
		day := atoi(m[1])
		year := atoi(m[3])
		if day >= 1 && day <= 31 {
			return time.Date(year, month, day, 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
