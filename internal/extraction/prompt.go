package extraction

import "strings"

// extractionPrompt asks for the items wrapper object. {receipt_text} is
// replaced with the raw OCR text.
const extractionPrompt = `You are an expert at extracting structured data from receipts.

Given the following receipt text, extract a list of all items with their quantity and price.

CRITICAL: You must respond with a JSON object that has this EXACT structure:
{
    "items": [
        {"item_name": "item name", "quantity": number, "price": number},
        {"item_name": "item name", "quantity": number, "price": number}
    ]
}

The response must be wrapped in an "items" array, not just a list of items.
If the receipt shows the store name or purchase date, you may add "store_name"
and "purchase_date" (YYYY-MM-DD) keys next to "items".

Receipt Text:
{receipt_text}

Remember: Return ONLY the JSON with the "items" wrapper, no additional text.`

// BuildPrompt renders the extraction prompt for the receipt text
func BuildPrompt(receiptText string) string {
	return strings.Replace(extractionPrompt, "{receipt_text}", receiptText, 1)
}
