package mongo

import (
	"time"

	domain "github.com/donorportal/api/internal/domain"
)

// Field names follow the stored order document; array-filter updates address
// projects by slug and entries by entryId.
type orderDocument struct {
	ID                   string                 `bson:"_id"`
	OrderNo              string                 `bson:"orderNo"`
	CustomerID           string                 `bson:"customerId"`
	Currency             string                 `bson:"currency"`
	Country              string                 `bson:"country,omitempty"`
	Status               string                 `bson:"status"`
	Projects             []orderProjectDocument `bson:"projects"`
	TotalCost            float64                `bson:"totalCost"`
	TotalCostSingleMonth float64                `bson:"totalCostSingleMonth"`
	StatusHistory        []statusChangeDocument `bson:"statusHistory,omitempty"`
	CreatedBy            string                 `bson:"createdBy,omitempty"`
	CreatedAt            time.Time              `bson:"createdAt"`
	UpdatedAt            time.Time              `bson:"updatedAt"`
	CalculatedAt         *time.Time             `bson:"calculatedAt,omitempty"`
}

type orderProjectDocument struct {
	Slug                   string                     `bson:"slug"`
	Months                 int                        `bson:"months"`
	Entries                []orderEntryDocument       `bson:"entries"`
	TotalOrderedCost       float64                    `bson:"totalOrderedCost"`
	TotalOrderedCostMonths float64                    `bson:"totalOrderedCostAllMonths"`
	TotalCost              float64                    `bson:"totalCost"`
	TotalSubscriptionCosts []subscriptionCostDocument `bson:"totalSubscriptionCosts,omitempty"`
}

type orderEntryDocument struct {
	EntryID               string              `bson:"entryId"`
	SelectedSubscriptions []string            `bson:"selectedSubscriptions"`
	TotalOrderedCost      float64             `bson:"totalOrderedCost"`
	TotalCost             float64             `bson:"totalCost"`
	Costs                 []entryCostDocument `bson:"costs,omitempty"`
}

type entryCostDocument struct {
	Field          string  `bson:"field"`
	NativeCost     float64 `bson:"nativeCost"`
	NativeCurrency string  `bson:"nativeCurrency"`
	Cost           float64 `bson:"cost"`
	Selected       bool    `bson:"selected"`
}

type subscriptionCostDocument struct {
	Field                     string  `bson:"field"`
	Entries                   int     `bson:"entries"`
	TotalOrderedCost          float64 `bson:"totalOrderedCost"`
	TotalOrderedCostAllMonths float64 `bson:"totalOrderedCostAllMonths"`
}

type statusChangeDocument struct {
	From      string    `bson:"from"`
	To        string    `bson:"to"`
	Event     string    `bson:"event"`
	Actor     string    `bson:"actor,omitempty"`
	Reference string    `bson:"reference,omitempty"`
	At        time.Time `bson:"at"`
}

func encodeOrder(order domain.Order) orderDocument {
	projects := make([]orderProjectDocument, 0, len(order.Projects))
	for _, project := range order.Projects {
		projects = append(projects, encodeProject(project))
	}
	history := make([]statusChangeDocument, 0, len(order.StatusHistory))
	for _, change := range order.StatusHistory {
		history = append(history, encodeStatusChange(change))
	}
	return orderDocument{
		ID:                   order.ID,
		OrderNo:              order.OrderNo,
		CustomerID:           order.CustomerID,
		Currency:             order.Currency,
		Country:              order.Country,
		Status:               string(order.Status),
		Projects:             projects,
		TotalCost:            order.TotalCost,
		TotalCostSingleMonth: order.TotalCostSingleMonth,
		StatusHistory:        history,
		CreatedBy:            order.CreatedBy,
		CreatedAt:            order.CreatedAt.UTC(),
		UpdatedAt:            order.UpdatedAt.UTC(),
		CalculatedAt:         order.CalculatedAt,
	}
}

func encodeProject(project domain.OrderProject) orderProjectDocument {
	subs := make([]subscriptionCostDocument, 0, len(project.TotalSubscriptionCosts))
	for _, sub := range project.TotalSubscriptionCosts {
		subs = append(subs, subscriptionCostDocument{
			Field:                     sub.Field,
			Entries:                   sub.Entries,
			TotalOrderedCost:          sub.TotalCostSingleMonth,
			TotalOrderedCostAllMonths: sub.TotalCostAllMonths,
		})
	}
	return orderProjectDocument{
		Slug:                   project.Slug,
		Months:                 project.Months,
		Entries:                encodeEntries(project.Entries),
		TotalOrderedCost:       project.TotalCostSingleMonth,
		TotalOrderedCostMonths: project.TotalCostAllMonths,
		TotalCost:              project.TotalCostAllSubscriptions,
		TotalSubscriptionCosts: subs,
	}
}

func encodeEntries(entries []domain.OrderEntry) []orderEntryDocument {
	out := make([]orderEntryDocument, 0, len(entries))
	for _, entry := range entries {
		out = append(out, encodeEntry(entry))
	}
	return out
}

func encodeEntry(entry domain.OrderEntry) orderEntryDocument {
	selected := entry.SelectedSubscriptions
	if selected == nil {
		selected = []string{}
	}
	return orderEntryDocument{
		EntryID:               entry.EntryID,
		SelectedSubscriptions: selected,
		TotalOrderedCost:      entry.TotalCost,
		TotalCost:             entry.TotalCostAllSubscriptions,
		Costs:                 encodeCosts(entry.Costs),
	}
}

func encodeCosts(costs []domain.EntryCost) []entryCostDocument {
	out := make([]entryCostDocument, 0, len(costs))
	for _, cost := range costs {
		out = append(out, entryCostDocument{
			Field:          cost.Field,
			NativeCost:     cost.NativeCost,
			NativeCurrency: cost.NativeCurrency,
			Cost:           cost.Cost,
			Selected:       cost.Selected,
		})
	}
	return out
}

func encodeStatusChange(change domain.StatusChange) statusChangeDocument {
	return statusChangeDocument{
		From:      string(change.From),
		To:        string(change.To),
		Event:     string(change.Event),
		Actor:     change.Actor,
		Reference: change.Reference,
		At:        change.At.UTC(),
	}
}

func decodeOrder(doc orderDocument) domain.Order {
	projects := make([]domain.OrderProject, 0, len(doc.Projects))
	for _, p := range doc.Projects {
		entries := make([]domain.OrderEntry, 0, len(p.Entries))
		for _, e := range p.Entries {
			costs := make([]domain.EntryCost, 0, len(e.Costs))
			for _, c := range e.Costs {
				costs = append(costs, domain.EntryCost(c))
			}
			entries = append(entries, domain.OrderEntry{
				EntryID:                   e.EntryID,
				SelectedSubscriptions:     e.SelectedSubscriptions,
				TotalCost:                 e.TotalOrderedCost,
				TotalCostAllSubscriptions: e.TotalCost,
				Costs:                     costs,
			})
		}
		subs := make([]domain.SubscriptionCost, 0, len(p.TotalSubscriptionCosts))
		for _, s := range p.TotalSubscriptionCosts {
			subs = append(subs, domain.SubscriptionCost{
				Field:                s.Field,
				Entries:              s.Entries,
				TotalCostSingleMonth: s.TotalOrderedCost,
				TotalCostAllMonths:   s.TotalOrderedCostAllMonths,
			})
		}
		projects = append(projects, domain.OrderProject{
			Slug:                      p.Slug,
			Months:                    p.Months,
			Entries:                   entries,
			TotalCostSingleMonth:      p.TotalOrderedCost,
			TotalCostAllMonths:        p.TotalOrderedCostMonths,
			TotalCostAllSubscriptions: p.TotalCost,
			TotalSubscriptionCosts:    subs,
		})
	}
	history := make([]domain.StatusChange, 0, len(doc.StatusHistory))
	for _, h := range doc.StatusHistory {
		history = append(history, domain.StatusChange{
			From:      domain.OrderStatus(h.From),
			To:        domain.OrderStatus(h.To),
			Event:     domain.OrderEvent(h.Event),
			Actor:     h.Actor,
			Reference: h.Reference,
			At:        h.At.UTC(),
		})
	}
	return domain.Order{
		ID:                   doc.ID,
		OrderNo:              doc.OrderNo,
		CustomerID:           doc.CustomerID,
		Currency:             doc.Currency,
		Country:              doc.Country,
		Status:               domain.OrderStatus(doc.Status),
		Projects:             projects,
		TotalCost:            doc.TotalCost,
		TotalCostSingleMonth: doc.TotalCostSingleMonth,
		StatusHistory:        history,
		CreatedBy:            doc.CreatedBy,
		CreatedAt:            doc.CreatedAt.UTC(),
		UpdatedAt:            doc.UpdatedAt.UTC(),
		CalculatedAt:         doc.CalculatedAt,
	}
}
