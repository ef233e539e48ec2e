package ai

import (
	"fmt"
	"strings"

	"github.com/camuig/crypto-trader/internal/trading"
)

const systemPrompt = `You are an experienced crypto trader working one symbol at a time.
Analyse the technical indicators and the current account state and decide:
BUY (open a position), SELL (close the position) or HOLD.

Rules:
1. Do not recommend BUY while a position is already open.
2. Do not recommend SELL without an open position.
3. position is the suggested share of the available balance in percent (20-95).
4. confidence is 0 to 100: the higher, the more certain you are.
5. Keep reason short, one or two sentences.

Answer strictly with one JSON object:
{
  "action": "buy",
  "position": 50,
  "confidence": 70,
  "reason": "short explanation"
}`

func BuildUserPrompt(req Request) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("## Asset\n%s\n\n", req.Symbol))

	sb.WriteString("## Trading mode\n")
	if req.Mode == trading.ModeSwap {
		sb.WriteString(fmt.Sprintf("Swap (USDT contracts), leverage %dx\n\n", req.Leverage))
	} else {
		sb.WriteString("Spot\n\n")
	}

	ind := req.Indicators
	sb.WriteString("## Market data\n")
	sb.WriteString(fmt.Sprintf("Price: %s\n", req.Snapshot.LastPrice.StringFixed(2)))
	sb.WriteString(fmt.Sprintf("Trend score: %d/100\n", ind.TrendScore))
	sb.WriteString(fmt.Sprintf("RSI(14): %.1f\n", ind.RSI))
	sb.WriteString(fmt.Sprintf("MACD: DIF %.4f, DEA %.4f, histogram %.4f\n", ind.MACD.DIF, ind.MACD.DEA, ind.MACD.Histogram))
	sb.WriteString(fmt.Sprintf("MA5 %.2f | MA20 %.2f | MA50 %.2f\n", ind.MA5, ind.MA20, ind.MA50))
	sb.WriteString(fmt.Sprintf("Volatility: %.2f%%\n\n", ind.Volatility))

	sb.WriteString("## Account\n")
	sb.WriteString(fmt.Sprintf("Total: %s / Available: %s\n",
		req.Account.CurrentTotalAsset.StringFixed(2), req.Account.AvailableBalance.StringFixed(2)))
	if pos, ok := req.Account.Position(req.Symbol, req.Mode); ok {
		sb.WriteString(fmt.Sprintf("Open %s position: %s @ %s\n", pos.Side, pos.Size.String(), pos.EntryPrice.StringFixed(2)))
	} else {
		sb.WriteString("No open position.\n")
	}

	sb.WriteString("\nReturn JSON.")

	return sb.String()
}
