package scanning

import (
	"fmt"
	"strings"
)

// receiptScanPrompt is the shared prompt used by all LLM providers for reading payment receipts
const receiptScanPrompt = `You are reading a payment receipt: a bank transfer, deposit slip or mobile wallet
confirmation (for example Nequi, Daviplata or Bancolombia). Read ONLY what is printed in the image.

For every field return an object {"value": ..., "confidence": 0..1, "reason": "..."}.
If a field is not visible or not legible, return {"value": null, "confidence": 0, "reason": "not visible"}.
Never guess a value and never copy an expected value you cannot see.

Fields:
- amount: the transferred amount exactly as printed, as a string (e.g. "$ 45.000"). Dots are thousands separators.
- date: the transaction date as YYYY-MM-DD.
- time: the transaction time as HH:MM (24 hour).
- reference: the reference, voucher or receipt number.
- transaction_id: the transaction or authorization id, if different from reference.
- channel: the bank, wallet or channel that issued the receipt.
- to_name: the recipient name.
- to_account: the recipient account or phone number, digits only.
- from_account: the sender account or phone number, digits only.
- status_label: the status text as printed (e.g. "Transferencia exitosa", "Pendiente").
- qr_present: true if a QR code is visible anywhere on the receipt, false if clearly none.

Also return:
- confidence: overall confidence 0..1 that this is a genuine, legible payment receipt.
- tamper_signal: {"suspected": bool, "score": 0..1, "tags": [short strings]} for visible signs of editing
  (misaligned digits, mismatched fonts, patches, cropped status).
- notes: short strings with anything a human reviewer should know.

Return ONLY valid JSON with exactly these keys. Do not include any text before or after the JSON.
Do not use markdown code blocks.`

// buildPrompt appends the expected values to the shared prompt.
func buildPrompt(hints Hints) string {
	var b strings.Builder
	b.WriteString(receiptScanPrompt)
	if hints.Amount > 0 || hints.Date != "" {
		b.WriteString("\n\nThe payer claims this receipt shows")
		if hints.Amount > 0 {
			fmt.Fprintf(&b, " an amount of %d", hints.Amount)
		}
		if hints.Date != "" {
			fmt.Fprintf(&b, " on %s", hints.Date)
		}
		if hints.Time != "" {
			fmt.Fprintf(&b, " at %s", hints.Time)
		}
		b.WriteString(". Use this only to know where to look; report what is printed, even if it differs.")
	}
	return b.String()
}

const systemPrompt = "You are an expert at reading payment receipts and bank transfer confirmations. " +
	"You extract printed values carefully and you never invent values you cannot read. " +
	"You answer with JSON only."
