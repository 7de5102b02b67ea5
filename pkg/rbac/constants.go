package rbac

// Roles carried in clinician bearer tokens
const (
	RoleMBBSStudent      = "mbbs_student"
	RoleMDStudent        = "md_student"
	RoleConsultingDoctor = "consulting_doctor"
	RoleNurse            = "nurse"
	RoleClinicalStaff    = "clinical_staff"
	RoleAdministrator    = "administrator"
)

// Role hierarchy levels (higher number = higher privilege)
var RoleLevels = map[string]int{
	RoleMBBSStudent:      2,
	RoleMDStudent:        3,
	RoleNurse:            4,
	RoleClinicalStaff:    5,
	RoleConsultingDoctor: 6,
	RoleAdministrator:    7,
}

// Actions on clinical documents
const (
	ActionGenerate = "generate"
	ActionRead     = "read"
	ActionUpdate   = "update"
	ActionDelete   = "delete"
	ActionReview   = "review"
	ActionSign     = "sign"
	ActionAddendum = "addendum"
	ActionExport   = "export"
)

// Actions lists every document action in route order
var Actions = []string{
	ActionGenerate, ActionRead, ActionUpdate, ActionDelete,
	ActionReview, ActionSign, ActionAddendum, ActionExport,
}
