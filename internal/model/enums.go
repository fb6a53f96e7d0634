package model

type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "ONLINE"
	DeviceStatusOffline DeviceStatus = "OFFLINE"
)

type PlanKind string

const (
	PlanKindMain   PlanKind = "MAIN"
	PlanKindOption PlanKind = "OPTION"
)

type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusCanceled SubscriptionStatus = "CANCELED"
)

const (
	CancelReasonPlanChange       = "PLAN_CHANGE"
	CancelReasonProviderCanceled = "PROVIDER_CANCELED"
)

type MediaType string

const (
	MediaTypeImage MediaType = "IMAGE"
	MediaTypeVideo MediaType = "VIDEO"
	MediaTypePDF   MediaType = "PDF"
)
