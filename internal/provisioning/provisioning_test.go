package provisioning

import (
	"context"
	"errors"
	"testing"

	"github.com/prohmpiriya/school-tenancy/internal/apperr"
	"github.com/prohmpiriya/school-tenancy/internal/domain"
	"github.com/prohmpiriya/school-tenancy/internal/repository"
	pkgsaga "github.com/prohmpiriya/school-tenancy/pkg/saga"
)

func tenantInput() map[string]interface{} {
	d := &TenantSagaData{
		Email:            "admin@x.edu",
		Password:         "Passw0rd!",
		SchoolName:       "Lincoln",
		FirstName:        "Ada",
		LastName:         "Lovelace",
		SubscriptionTier: "free",
		MaxStudents:      500,
		MaxTeachers:      50,
	}
	return d.ToMap()
}

func TestTenantSagaBuilder_Build(t *testing.T) {
	def := NewTenantSagaBuilder(&TenantSagaConfig{}).Build()

	if def.Name != TenantSagaName {
		t.Errorf("expected saga name %s, got %s", TenantSagaName, def.Name)
	}
	expected := []string{StepCreateTenant, StepCreateIdentity, StepCreateProfile, StepCreateTerm, StepPublishEvent}
	if len(def.Steps) != len(expected) {
		t.Fatalf("expected %d steps, got %d", len(expected), len(def.Steps))
	}
	for i, step := range def.Steps {
		if step.Name != expected[i] {
			t.Errorf("step %d: expected name %s, got %s", i, expected[i], step.Name)
		}
	}
	if !def.Steps[3].BestEffort || !def.Steps[4].BestEffort {
		t.Error("term and event steps must be best-effort")
	}
	if def.Steps[0].BestEffort || def.Steps[1].BestEffort || def.Steps[2].BestEffort {
		t.Error("core steps must not be best-effort")
	}
}

func TestTenantSaga_Success(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	inst, err := f.orch.Execute(ctx, TenantSagaName, tenantInput())
	if err != nil {
		t.Fatalf("saga failed: %v", err)
	}

	result := &TenantSagaData{}
	result.FromMap(inst.Data)
	if result.TenantID == "" || result.UserID == "" {
		t.Fatalf("missing ids: %+v", result)
	}

	tenant, _ := f.tenants.GetByID(ctx, result.TenantID)
	if tenant == nil || tenant.Name != "Lincoln" || tenant.MaxStudents != 500 {
		t.Errorf("unexpected tenant: %+v", tenant)
	}

	user, _ := f.identity.users.GetByID(ctx, result.UserID)
	if user == nil {
		t.Fatal("identity not created")
	}
	if user.Claims.TenantID != result.TenantID || user.Claims.Role != "admin" || user.Claims.FirstName != "Ada" {
		t.Errorf("unexpected claims: %+v", user.Claims)
	}
	if !user.EmailConfirmed {
		t.Error("admin identity must be pre-confirmed")
	}

	profile, _ := f.profiles.GetActive(ctx, result.TenantID, result.UserID)
	if profile == nil || profile.Role != "admin" {
		t.Errorf("unexpected profile: %+v", profile)
	}

	terms, _ := f.terms.ListByTenant(ctx, result.TenantID)
	if len(terms) != 1 || terms[0].Name != "Fall 2026" || !terms[0].IsCurrent {
		t.Errorf("unexpected terms: %+v", terms)
	}

	msgs := f.publisher.Messages()
	if len(msgs) != 1 || msgs[0].Key != result.TenantID {
		t.Errorf("expected one tenant.provisioned event, got %+v", msgs)
	}

	stored, err := f.orch.Store().Get(ctx, inst.ID)
	if err != nil {
		t.Fatalf("instance not stored: %v", err)
	}
	if stored.Data["password"] != "[REDACTED]" {
		t.Errorf("password stored in saga data: %v", stored.Data["password"])
	}
}

func TestTenantSaga_EventCarriesDefaultedTier(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	input := tenantInput()
	input["subscription_tier"] = ""
	inst, err := f.orch.Execute(ctx, TenantSagaName, input)
	if err != nil {
		t.Fatalf("saga failed: %v", err)
	}
	result := &TenantSagaData{}
	result.FromMap(inst.Data)

	tenant, _ := f.tenants.GetByID(ctx, result.TenantID)
	if tenant == nil || tenant.SubscriptionTier != domain.TierFree {
		t.Fatalf("expected free tier tenant, got %+v", tenant)
	}

	msgs := f.publisher.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one event, got %d", len(msgs))
	}
	event, ok := msgs[0].Value.(*TenantProvisionedEvent)
	if !ok {
		t.Fatalf("unexpected event value %T", msgs[0].Value)
	}
	if event.Tier != string(domain.TierFree) {
		t.Errorf("expected tier %q in event, got %q", domain.TierFree, event.Tier)
	}
}

func TestTenantSaga_ProfileFailureCompensatesAll(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	f.profiles.SetFailure(repository.OpCreate, errors.New("insert profile: connection reset"))

	inst, err := f.orch.Execute(ctx, TenantSagaName, tenantInput())
	if err == nil {
		t.Fatal("expected failure")
	}
	var stepErr *pkgsaga.StepError
	if !errors.As(err, &stepErr) || stepErr.StepName != StepCreateProfile {
		t.Fatalf("expected failure at %s, got %v", StepCreateProfile, err)
	}
	if inst.Status != pkgsaga.StatusCompensated {
		t.Errorf("expected COMPENSATED, got %s", inst.Status)
	}
	if f.tenants.Count() != 0 {
		t.Errorf("tenant left behind")
	}
	if f.identity.users.Count() != 0 {
		t.Errorf("identity left behind")
	}
}

func TestTenantSaga_IdentityFailureCompensatesTenant(t *testing.T) {
	f := setupFixture(t)
	f.identity.SetFailure(true, errors.New("auth admin api: 502"))

	_, err := f.orch.Execute(context.Background(), TenantSagaName, tenantInput())
	if err == nil {
		t.Fatal("expected failure")
	}
	if f.tenants.Count() != 0 {
		t.Errorf("tenant left behind")
	}
	if len(f.identity.Deleted) != 0 {
		t.Errorf("no identity was created, none should be deleted: %v", f.identity.Deleted)
	}
}

func TestTenantSaga_DuplicateNameIsConflict(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	if _, err := f.orch.Execute(ctx, TenantSagaName, tenantInput()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	second := tenantInput()
	second["email"] = "other@x.edu"
	second["school_name"] = "LINCOLN"
	_, err := f.orch.Execute(ctx, TenantSagaName, second)
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if f.tenants.Count() != 1 || f.identity.users.Count() != 1 {
		t.Errorf("second run left rows behind")
	}
}

func TestTenantSaga_DuplicateEmailIsConflict(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	if _, err := f.orch.Execute(ctx, TenantSagaName, tenantInput()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	second := tenantInput()
	second["school_name"] = "Roosevelt"
	_, err := f.orch.Execute(ctx, TenantSagaName, second)
	var conflict *apperr.ConflictError
	if !errors.As(err, &conflict) || conflict.Field != "email" {
		t.Fatalf("expected email conflict, got %v", err)
	}
	if f.tenants.Count() != 1 {
		t.Errorf("Roosevelt tenant was not compensated")
	}
}

func TestTenantSaga_BestEffortStepsDoNotFail(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	f.terms.SetFailure(repository.OpCreate, errors.New("terms table locked"))
	f.publisher.SetFailure(true, errors.New("broker down"))

	inst, err := f.orch.Execute(ctx, TenantSagaName, tenantInput())
	if err != nil {
		t.Fatalf("best-effort failure must not fail the saga: %v", err)
	}
	if inst.Status != pkgsaga.StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", inst.Status)
	}
	for _, step := range []string{StepCreateTerm, StepPublishEvent} {
		r, ok := inst.Result(step)
		if !ok || r.Status != pkgsaga.StepStatusSkipped {
			t.Errorf("%s: expected SKIPPED, got %+v", step, r)
		}
	}
	if f.tenants.Count() != 1 || f.profiles.Count() != 1 {
		t.Error("tenant and profile must survive")
	}
}

func TestMemberSaga(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	data := (&MemberSagaData{
		Email:          "teacher@x.edu",
		Password:       "Passw0rd!",
		Role:           "teacher",
		TenantID:       "tenant-1",
		EmployeeNumber: "E-7",
		Subjects:       []string{"math"},
	}).ToMap()

	inst, err := f.orch.Execute(ctx, MemberSagaName, data)
	if err != nil {
		t.Fatalf("member saga failed: %v", err)
	}
	userID := inst.Data["user_id"].(string)

	teacher, _ := f.members.GetTeacher(ctx, "tenant-1", userID)
	if teacher == nil || teacher.EmployeeNumber != "E-7" || len(teacher.Subjects) != 1 {
		t.Errorf("unexpected teacher row: %+v", teacher)
	}
}

func TestMemberSaga_ProfileFailureDeletesIdentity(t *testing.T) {
	f := setupFixture(t)
	f.profiles.SetFailure(repository.OpCreate, errors.New("rls rejected insert"))

	data := (&MemberSagaData{Email: "p@x.edu", Password: "Passw0rd!", Role: "parent", TenantID: "tenant-1"}).ToMap()
	if _, err := f.orch.Execute(context.Background(), MemberSagaName, data); err == nil {
		t.Fatal("expected failure")
	}
	if f.identity.users.Count() != 0 {
		t.Error("identity left behind")
	}
}

func TestMemberSaga_ExtensionIsBestEffort(t *testing.T) {
	f := setupFixture(t)
	f.members.SetFailure(repository.OpCreate, errors.New("parents table missing"))

	data := (&MemberSagaData{Email: "p@x.edu", Password: "Passw0rd!", Role: "parent", TenantID: "tenant-1"}).ToMap()
	inst, err := f.orch.Execute(context.Background(), MemberSagaName, data)
	if err != nil {
		t.Fatalf("extension failure must not fail signup: %v", err)
	}
	if r, _ := inst.Result(StepCreateRoleExtension); r.Status != pkgsaga.StepStatusSkipped {
		t.Errorf("expected SKIPPED, got %s", r.Status)
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(apperr.NewConflictError("email", "email taken")) {
		t.Error("conflicts are final")
	}
	if IsRetryable(context.Canceled) {
		t.Error("cancellation is final")
	}
	if !IsRetryable(errors.New("connection reset")) {
		t.Error("plain errors are retryable")
	}
}
