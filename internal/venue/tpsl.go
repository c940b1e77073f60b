package venue

import "cryptoworker/internal/models"

// SplitTPSL expands an order that carries both a take-profit and a
// stop-loss trigger into two synthetic orders, {id}_tp and {id}_sl, so each
// leg is reconciled on its own. Orders with a single trigger pass through.
func SplitTPSL(o models.Order, takeProfit, stopLoss float64) []models.Order {
	if takeProfit <= 0 || stopLoss <= 0 {
		if takeProfit > 0 || stopLoss > 0 {
			o.Category = models.CategoryTPSL
			if o.TriggerPrice == 0 {
				o.TriggerPrice = takeProfit + stopLoss
			}
		}
		return []models.Order{o}
	}
	tp, sl := o, o
	tp.ID = o.ID + models.TakeProfitSuffix
	tp.TriggerPrice = takeProfit
	tp.Category = models.CategoryTPSL
	sl.ID = o.ID + models.StopLossSuffix
	sl.TriggerPrice = stopLoss
	sl.Category = models.CategoryTPSL
	return []models.Order{tp, sl}
}
