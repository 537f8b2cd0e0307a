package apiclient

import "encoding/json"

// Status values recognized by the searchCondition.status field.
const (
	StatusOnSale  = "STATUS_ON_SALE"
	StatusSoldOut = "STATUS_SOLD_OUT"
)

type searchCondition struct {
	Keyword                  string   `json:"keyword"`
	ExcludeKeyword           string   `json:"excludeKeyword"`
	Sort                     string   `json:"sort"`
	Order                    string   `json:"order"`
	Status                   []string `json:"status"`
	SizeID                   []string `json:"sizeId"`
	CategoryID               []string `json:"categoryId"`
	BrandID                  []string `json:"brandId"`
	SellerID                 []string `json:"sellerId"`
	PriceMin                 int      `json:"priceMin"`
	PriceMax                 int      `json:"priceMax"`
	ItemConditionID          []string `json:"itemConditionId"`
	ShippingPayerID          []string `json:"shippingPayerId"`
	ShippingFromArea         []string `json:"shippingFromArea"`
	ShippingMethod           []string `json:"shippingMethod"`
	ColorID                  []string `json:"colorId"`
	HasCoupon                bool     `json:"hasCoupon"`
	Attributes               []string `json:"attributes"`
	ItemTypes                []string `json:"itemTypes"`
	SkuIDs                   []string `json:"skuIds"`
	ShopIDs                  []string `json:"shopIds"`
	ExcludeShippingMethodIDs []string `json:"excludeShippingMethodIds"`
}

type requestBody struct {
	UserID                  string          `json:"userId"`
	Config                  requestConfig   `json:"config"`
	PageSize                int             `json:"pageSize"`
	PageToken               string          `json:"pageToken"`
	SearchSessionID         string          `json:"searchSessionId"`
	Source                  string          `json:"source"`
	IndexRouting            string          `json:"indexRouting"`
	ThumbnailTypes          []string        `json:"thumbnailTypes"`
	SearchCondition         searchCondition `json:"searchCondition"`
	ServiceFrom             string          `json:"serviceFrom"`
	WithItemBrand           bool            `json:"withItemBrand"`
	WithItemSize            bool            `json:"withItemSize"`
	WithItemPromotions      bool            `json:"withItemPromotions"`
	WithItemSizes           bool            `json:"withItemSizes"`
	WithShopname            bool            `json:"withShopname"`
	UseDynamicAttribute     bool            `json:"useDynamicAttribute"`
	WithSuggestedItems      bool            `json:"withSuggestedItems"`
	WithOfferPricePromotion bool            `json:"withOfferPricePromotion"`
	WithProductSuggest      bool            `json:"withProductSuggest"`
	WithParentProducts      bool            `json:"withParentProducts"`
	WithProductArticles     bool            `json:"withProductArticles"`
	WithSearchConditionID   bool            `json:"withSearchConditionId"`
	WithAuction             bool            `json:"withAuction"`
	LaplaceDeviceUUID       string          `json:"laplaceDeviceUuid"`
}

type requestConfig struct {
	ResponseToggles []string `json:"responseToggles"`
}

// requestBodyTemplate holds the mostly-constant document captured from the
// upstream API. Every call to buildRequestBody deep-clones it via a
// marshal/unmarshal round trip before mutating the per-call fields, so
// concurrent callers never observe each other's edits.
var requestBodyTemplate = requestBody{
	Config:         requestConfig{ResponseToggles: []string{"QUERY_SUGGESTION_WEB_1"}},
	PageSize:       120,
	Source:         "BaseSerp",
	IndexRouting:   "INDEX_ROUTING_UNSPECIFIED",
	ThumbnailTypes: []string{},
	SearchCondition: searchCondition{
		Sort:                     "SORT_CREATED_TIME",
		Order:                    "ORDER_DESC",
		Status:                   []string{},
		SizeID:                   []string{},
		CategoryID:               []string{},
		BrandID:                  []string{},
		SellerID:                 []string{},
		ItemConditionID:          []string{},
		ShippingPayerID:          []string{},
		ShippingFromArea:         []string{},
		ShippingMethod:           []string{},
		ColorID:                  []string{},
		Attributes:               []string{},
		ItemTypes:                []string{},
		SkuIDs:                   []string{},
		ShopIDs:                  []string{},
		ExcludeShippingMethodIDs: []string{},
	},
	ServiceFrom:             "suruga",
	WithItemBrand:           true,
	WithItemPromotions:      true,
	WithItemSizes:           true,
	UseDynamicAttribute:     true,
	WithSuggestedItems:      true,
	WithOfferPricePromotion: true,
	WithProductSuggest:      true,
	WithProductArticles:     true,
	WithAuction:             true,
}

// buildRequestBody deep-clones the template and sets the fields that vary
// per call: keyword, status, page token/size, and the browser/DPoP-derived
// session identifiers.
func buildRequestBody(keyword, status, searchSessionID, laplaceDeviceUUID, pageToken string, pageSize int) ([]byte, error) {
	cloned, err := cloneTemplate()
	if err != nil {
		return nil, err
	}

	cloned.SearchSessionID = searchSessionID
	cloned.LaplaceDeviceUUID = laplaceDeviceUUID
	cloned.PageToken = pageToken
	cloned.PageSize = pageSize
	cloned.SearchCondition.Keyword = keyword
	cloned.SearchCondition.Status = []string{status}

	return json.Marshal(cloned)
}

func cloneTemplate() (requestBody, error) {
	data, err := json.Marshal(requestBodyTemplate)
	if err != nil {
		return requestBody{}, err
	}
	var cloned requestBody
	if err := json.Unmarshal(data, &cloned); err != nil {
		return requestBody{}, err
	}
	return cloned, nil
}
